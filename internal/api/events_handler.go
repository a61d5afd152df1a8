package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/repmbridge/internal/events"
)

const keepAliveInterval = 15 * time.Second

// typeFilter selects events by type. An entry ending in "." matches every type
// with that prefix, so "call." selects call.completed and call.rejected. An
// empty filter matches everything.
type typeFilter []string

func parseTypeFilter(raw string) typeFilter {
	var f typeFilter
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			f = append(f, part)
		}
	}
	return f
}

func (f typeFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, want := range f {
		if want == eventType || (strings.HasSuffix(want, ".") && strings.HasPrefix(eventType, want)) {
			return true
		}
	}
	return false
}

// handleEvents handles GET /events as a server-sent event stream.
//
// Query parameters:
//   - type: comma-separated event types or "prefix." groups
//   - since: replay buffered events after this id (Last-Event-ID wins when both are set)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseTypeFilter(r.URL.Query().Get("type"))
	cursor := parseLastEventID(r.URL.Query().Get("since"))
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		cursor = parseLastEventID(v)
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	live, cancel := s.events.Subscribe()
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev events.Event) bool {
		if ev.ID <= cursor || !filter.match(ev.Type) {
			return true
		}
		cursor = ev.ID
		if err := writeSSE(w, ev); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, ev := range s.events.SnapshotSince(cursor) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-live:
			if !ok || !send(ev) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev events.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	// Payloads are single-line JSON.
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := w.Write([]byte(b.String()))
	return err
}
