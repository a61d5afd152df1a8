package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/journal"
	"github.com/mattjoyce/repmbridge/internal/protocol"
)

// delivery is what the result adapter handed to an httpReply.
type delivery struct {
	payload any
	failed  bool
	code    string
	message string
	details any
}

// httpReply is a result.Reply that hands its single delivery to the waiting
// handler goroutine. Buffered so the control thread never blocks on a client
// that already left.
type httpReply chan delivery

func (c httpReply) Success(payload any) { c <- delivery{payload: payload} }

func (c httpReply) Error(code, message string, details any) {
	c <- delivery{failed: true, code: code, message: message, details: details}
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Policy:        s.dispatcher.Policy(),
		Engine:        EngineHealth{Ready: true},
		Lanes:         s.dispatcher.Stats(),
	}

	if s.engine != nil {
		select {
		case <-s.engine.Ready():
			if err := s.engine.Err(); err != nil {
				resp.Status = "degraded"
				resp.Engine.Error = err.Error()
			}
		default:
			resp.Status = "starting"
			resp.Engine.Ready = false
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleCall handles POST /call/{method} with a JSON {"args": [handle, payload]} body.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")

	call, err := protocol.DecodeCall(http.MaxBytesReader(w, r.Body, protocol.MaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, status, ok := s.submit(w, r, dispatch.NewInvocation(method, call.Handle, call.Payload))
	if !ok {
		return
	}
	if d.failed {
		s.writeCallError(w, status, d)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := protocol.EncodeSuccess(w, d.payload); err != nil {
		s.logger.Error("failed to write call result", "error", err)
	}
}

// handleCallBytes handles POST /call/{method}/{handle}. The request body is
// the raw argument payload and a successful response body is the raw result.
func (s *Server) handleCallBytes(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	handle := chi.URLParam(r, "handle")

	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, protocol.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	d, status, ok := s.submit(w, r, dispatch.NewInvocation(method, handle, args))
	if !ok {
		return
	}
	if d.failed {
		s.writeCallError(w, status, d)
		return
	}

	var out []byte
	switch p := d.payload.(type) {
	case []byte:
		out = p
	case string:
		out = []byte(p)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// submit hands inv to the dispatcher and waits for its delivery. Rejected
// calls map to 503, engine failures to 422. ok is false when the client went
// away first; the call itself still runs to completion.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, inv dispatch.Invocation) (delivery, int, bool) {
	reply := make(httpReply, 1)
	inv, err := s.dispatcher.Submit(inv, reply)
	w.Header().Set("X-Call-ID", inv.ID)

	status := http.StatusUnprocessableEntity
	if err != nil {
		status = http.StatusServiceUnavailable
		if errors.Is(err, dispatch.ErrLaneFull) {
			w.Header().Set("Retry-After", "1")
		}
	}

	select {
	case d := <-reply:
		return d, status, true
	case <-r.Context().Done():
		s.logger.Warn("client went away before call completed", "call_id", inv.ID, "method", inv.Method)
		return delivery{}, 0, false
	}
}

// handleGetCall handles GET /calls/{callID}.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "call journal is disabled")
		return
	}

	callID := chi.URLParam(r, "callID")
	entry, err := s.journal.Get(r.Context(), callID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "call not found")
			return
		}
		s.logger.Error("failed to retrieve call", "call_id", callID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve call")
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.Methods))
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeCallError writes the protocol error envelope for a failed call.
func (s *Server) writeCallError(w http.ResponseWriter, statusCode int, d delivery) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = protocol.EncodeError(w, d.code, d.message, d.details)
}
