package api

import (
	"github.com/mattjoyce/repmbridge/internal/dispatch"
	"github.com/mattjoyce/repmbridge/internal/router"
)

// ErrorResponse is returned on transport-level errors (auth, routing, lookup).
// Call failures use the protocol error envelope instead.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EngineHealth is the engine section of HealthzResponse.
type EngineHealth struct {
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string               `json:"status"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	Policy        router.Policy        `json:"policy"`
	Engine        EngineHealth         `json:"engine"`
	Lanes         []dispatch.LaneStats `json:"lanes"`
}
