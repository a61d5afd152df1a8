package doctor

import (
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/repmbridge/internal/config"
	"github.com/mattjoyce/repmbridge/internal/kvengine"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Engine.SyncRemote = "https://sync.example.com"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(), kvengine.Methods()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_UnknownSyncMethod(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.SyncMethods = []string{"requestSync", "pullEverything"}
	r := New(cfg, kvengine.Methods()).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "dispatch", "pullEverything")
}

func TestValidate_EmptyMethodTableSkipsMethodCheck(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.SyncMethods = []string{"pullEverything"}
	r := New(cfg, nil).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_PolicyMismatchWarnings(t *testing.T) {
	t.Parallel()

	pool := validConfig()
	pool.Dispatch.Policy = "pool"
	r := New(pool, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "dispatch", "pool policy")

	lanes := validConfig()
	lanes.Dispatch.PoolSize = 4
	r = New(lanes, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "dispatch", "lanes policy")
}

func TestValidate_SmallQueueDepth(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Dispatch.QueueDepth = 2
	r := New(cfg, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "dispatch", "queue_depth 2")
}

func TestValidate_OpenBoundaryBeyondLoopback(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Boundary.Listen = "0.0.0.0:8765"
	r := New(cfg, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "boundary", "no authentication")

	cfg.Boundary.Auth.APIKey = "secret"
	r = New(cfg, kvengine.Methods()).Validate()
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings with an api key, got: %v", r.Warnings)
	}
}

func TestValidate_LoopbackHosts(t *testing.T) {
	t.Parallel()
	for _, listen := range []string{"127.0.0.1:1", "localhost:1", "[::1]:1"} {
		if !isLoopback(listen) {
			t.Errorf("isLoopback(%q) = false", listen)
		}
	}
	for _, listen := range []string{":8765", "0.0.0.0:1", "10.0.0.2:1", "garbage"} {
		if isLoopback(listen) {
			t.Errorf("isLoopback(%q) = true", listen)
		}
	}
}

func TestValidate_TokenScopes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Boundary.Auth.Tokens = []config.APIToken{
		{Token: "reader", Scopes: []string{"calls:ro", "events:ro"}},
		{Token: "writer", Scopes: []string{"calls:rw", "jobs:rw"}},
		{Token: "reader", Scopes: []string{"*"}},
	}
	r := New(cfg, kvengine.Methods()).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "token_scopes", `unknown scope "jobs:rw"`)
	assertHasError(t, r, "token_scopes", "duplicates tokens[0]")
	if len(r.Errors) != 2 {
		t.Fatalf("expected 2 errors, got: %v", r.Errors)
	}
}

func TestValidate_TokenEqualsAPIKey(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Boundary.Auth.APIKey = "same"
	cfg.Boundary.Auth.Tokens = []config.APIToken{{Token: "same", Scopes: []string{"calls:ro"}}}
	r := New(cfg, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "token_scopes", "equals api_key")
}

func TestValidate_SyncRemote(t *testing.T) {
	t.Parallel()

	unset := validConfig()
	unset.Engine.SyncRemote = ""
	r := New(unset, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "engine", "requestSync")

	bad := validConfig()
	bad.Engine.SyncRemote = "ftp://sync.example.com"
	r = New(bad, kvengine.Methods()).Validate()
	assertHasError(t, r, "engine", "http or https")

	short := validConfig()
	short.Engine.SyncTimeout = 200 * time.Millisecond
	r = New(short, kvengine.Methods()).Validate()
	assertHasWarning(t, r, "engine", "very short")
}

func TestValidate_JournalDisabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Journal.Enabled = false
	r := New(cfg, kvengine.Methods()).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "journal", "journal disabled")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()

	if out := FormatHuman(&Result{Valid: true}); out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	out := FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
		Warnings: []Issue{{Category: "test", Message: "odd"}},
	})
	if !strings.Contains(out, "ERROR [test] x.y: broken") || !strings.Contains(out, "WARN  [test] odd") {
		t.Fatalf("unexpected output: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
