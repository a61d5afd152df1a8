package kvengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxSyncResponseBytes = 16 << 20

type syncArgs struct {
	Remote string `json:"remote"`
}

// SyncRequest is the body POSTed to <remote>/sync.
type SyncRequest struct {
	SyncID  string  `json:"sync_id"`
	Handle  string  `json:"handle"`
	Entries []Entry `json:"entries"`
}

// SyncResponse carries the entries the remote wants applied locally.
type SyncResponse struct {
	Entries []Entry `json:"entries"`
}

type syncResult struct {
	SyncID string `json:"syncID"`
	Pushed int    `json:"pushed"`
	Pulled int    `json:"pulled"`
}

// runRequestSync pushes every local entry to the remote and applies what it
// sends back. It is network bound and is expected to run on its own lane.
func runRequestSync(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in syncArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	remote := strings.TrimRight(in.Remote, "/")
	if remote == "" {
		remote = e.remote
	}
	if remote == "" {
		return nil, fmt.Errorf("no sync remote configured")
	}

	ctx := context.Background()
	local, err := scanEntries(ctx, db, "", 0)
	if err != nil {
		return nil, err
	}

	req := SyncRequest{
		SyncID:  uuid.NewString(),
		Handle:  handle,
		Entries: local,
	}
	e.logf("info", "sync started", "handle", handle, "sync_id", req.SyncID, "remote", remote, "entries", len(local))

	resp, err := e.postSync(ctx, remote+"/sync", req)
	if err != nil {
		e.logf("warn", "sync failed", "handle", handle, "sync_id", req.SyncID, "error", err)
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := e.timestamp()
	for _, ent := range resp.Entries {
		if ent.ID == "" {
			return nil, fmt.Errorf("remote sent entry with empty id")
		}
		if err := upsert(ctx, tx, ent.ID, ent.Value, now); err != nil {
			return nil, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO sync_log(id, remote, pushed, pulled, completed_at)
VALUES(?, ?, ?, ?, ?);
`, req.SyncID, remote, len(local), len(resp.Entries), now); err != nil {
		return nil, fmt.Errorf("insert sync_log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	e.logf("info", "sync completed", "handle", handle, "sync_id", req.SyncID, "pushed", len(local), "pulled", len(resp.Entries))
	return json.Marshal(syncResult{SyncID: req.SyncID, Pushed: len(local), Pulled: len(resp.Entries)})
}

func (e *Engine) postSync(ctx context.Context, url string, body SyncRequest) (*SyncResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSyncResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out SyncResponse
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode sync response: %w", err)
		}
	}
	return &out, nil
}
