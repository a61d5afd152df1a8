// Package doctor checks a repmbridge configuration for settings that load
// cleanly but will not behave the way the operator expects.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mattjoyce/repmbridge/internal/auth"
	"github.com/mattjoyce/repmbridge/internal/config"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config against the methods the engine exports.
type Doctor struct {
	cfg     *config.Config
	methods map[string]struct{}
}

// New creates a Doctor. methods is the engine's exported method table; an
// empty table skips the method checks.
func New(cfg *config.Config, methods []string) *Doctor {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return &Doctor{cfg: cfg, methods: set}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkDispatch(r)
	d.checkBoundary(r)
	d.checkTokens(r)
	d.checkSync(r)
	d.checkJournal(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkDispatch(r *Result) {
	dc := d.cfg.Dispatch

	seen := make(map[string]bool, len(dc.SyncMethods))
	for i, m := range dc.SyncMethods {
		field := fmt.Sprintf("dispatch.sync_methods[%d]", i)
		if seen[m] {
			d.addWarning(r, "dispatch", field, fmt.Sprintf("method %q listed more than once", m))
		}
		seen[m] = true
		if len(d.methods) > 0 {
			if _, ok := d.methods[m]; !ok {
				d.addError(r, "dispatch", field, fmt.Sprintf("engine exports no method %q", m))
			}
		}
	}

	switch dc.Policy {
	case "pool":
		if len(dc.SyncMethods) > 0 {
			d.addWarning(r, "dispatch", "dispatch.sync_methods",
				"sync_methods has no effect under the pool policy")
		}
	case "lanes":
		if dc.PoolSize > 0 {
			d.addWarning(r, "dispatch", "dispatch.pool_size",
				"pool_size has no effect under the lanes policy")
		}
	}

	if dc.QueueDepth > 0 && dc.QueueDepth < 8 {
		d.addWarning(r, "dispatch", "dispatch.queue_depth",
			fmt.Sprintf("queue_depth %d will reject calls under modest load", dc.QueueDepth))
	}
}

func (d *Doctor) checkBoundary(r *Result) {
	bc := d.cfg.Boundary
	if auth.Enabled(bc.Auth.APIKey, d.tokens()) {
		return
	}
	if !isLoopback(bc.Listen) {
		d.addWarning(r, "boundary", "boundary.auth",
			fmt.Sprintf("no authentication configured and %s is reachable beyond loopback", bc.Listen))
	}
}

var knownScopes = map[string]bool{
	auth.ScopeAll:      true,
	auth.ScopeCallsRO:  true,
	auth.ScopeCallsRW:  true,
	auth.ScopeEventsRO: true,
	auth.ScopeEventsRW: true,
}

func (d *Doctor) checkTokens(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.Boundary.Auth.Tokens {
		if j, dup := seen[tok.Token]; dup {
			d.addError(r, "token_scopes", fmt.Sprintf("boundary.auth.tokens[%d].token", i),
				fmt.Sprintf("duplicates tokens[%d]", j))
		}
		seen[tok.Token] = i
		if tok.Token == d.cfg.Boundary.Auth.APIKey {
			d.addWarning(r, "token_scopes", fmt.Sprintf("boundary.auth.tokens[%d].token", i),
				"token equals api_key; its scopes are ignored")
		}

		for j, scope := range tok.Scopes {
			if !knownScopes[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("boundary.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, calls:ro, calls:rw, events:ro or events:rw)", scope))
			}
		}
	}
}

func (d *Doctor) checkSync(r *Result) {
	ec := d.cfg.Engine
	if ec.SyncRemote == "" {
		for _, m := range d.cfg.Dispatch.SyncMethods {
			if m == "requestSync" {
				d.addWarning(r, "engine", "engine.sync_remote",
					"requestSync needs a remote in its arguments when sync_remote is unset")
				break
			}
		}
		return
	}
	if !strings.HasPrefix(ec.SyncRemote, "http://") && !strings.HasPrefix(ec.SyncRemote, "https://") {
		d.addError(r, "engine", "engine.sync_remote",
			fmt.Sprintf("sync_remote %q must be an http or https URL", ec.SyncRemote))
	}
	if ec.SyncTimeout > 0 && ec.SyncTimeout < time.Second {
		d.addWarning(r, "engine", "engine.sync_timeout",
			fmt.Sprintf("sync_timeout %s is very short", ec.SyncTimeout))
	}
}

func (d *Doctor) checkJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		d.addWarning(r, "journal", "journal.enabled", "journal disabled; GET /calls/{id} will return 404")
	}
}

func (d *Doctor) tokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(d.cfg.Boundary.Auth.Tokens))
	for _, t := range d.cfg.Boundary.Auth.Tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	writeIssues(&b, "ERROR", r.Errors)
	writeIssues(&b, "WARN ", r.Warnings)
	return b.String()
}

func writeIssues(b *strings.Builder, label string, issues []Issue) {
	for _, is := range issues {
		if is.Field != "" {
			fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, is.Category, is.Field, is.Message)
		} else {
			fmt.Fprintf(b, "  %s [%s] %s\n", label, is.Category, is.Message)
		}
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
