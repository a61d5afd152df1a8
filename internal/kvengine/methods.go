package kvengine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

type methodFunc func(e *Engine, handle string, args []byte) ([]byte, error)

var methods = map[string]methodFunc{
	"open":        runOpen,
	"close":       runClose,
	"drop":        runDrop,
	"list":        runList,
	"has":         runHas,
	"get":         runGet,
	"put":         runPut,
	"del":         runDel,
	"scan":        runScan,
	"putBundle":   runPutBundle,
	"getBundle":   runGetBundle,
	"requestSync": runRequestSync,
}

// Methods returns the method names the engine implements.
func Methods() []string {
	out := make([]string, 0, len(methods))
	for name := range methods {
		out = append(out, name)
	}
	return out
}

type idArgs struct {
	ID string `json:"id"`
}

type putArgs struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

type scanArgs struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
}

// Entry is one key/value pair as returned by scan and exchanged during sync.
type Entry struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

type bundleArgs struct {
	Code string `json:"code"`
}

type bundleResult struct {
	Code string `json:"code,omitempty"`
	Hash string `json:"hash"`
}

func runOpen(e *Engine, handle string, _ []byte) ([]byte, error) {
	if err := e.open(handle); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func runClose(e *Engine, handle string, _ []byte) ([]byte, error) {
	if err := e.close(handle); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func runDrop(e *Engine, handle string, _ []byte) ([]byte, error) {
	if err := e.drop(handle); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func runList(e *Engine, _ string, _ []byte) ([]byte, error) {
	names, err := e.list()
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Databases []string `json:"databases"`
	}{Databases: names})
}

func runHas(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in idArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	var n int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM kv WHERE id = ?;`, in.ID).Scan(&n); err != nil {
		return nil, fmt.Errorf("has %q: %w", in.ID, err)
	}
	return json.Marshal(struct {
		Has bool `json:"has"`
	}{Has: n > 0})
}

func runGet(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in idArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	var value string
	err = db.QueryRowContext(context.Background(), `SELECT value FROM kv WHERE id = ?;`, in.ID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return json.Marshal(struct {
			Has bool `json:"has"`
		}{})
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", in.ID, err)
	}
	return json.Marshal(struct {
		Has   bool            `json:"has"`
		Value json.RawMessage `json:"value"`
	}{Has: true, Value: json.RawMessage(value)})
}

func runPut(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in putArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if len(in.Value) == 0 {
		return nil, fmt.Errorf("value is required")
	}
	if err := upsert(context.Background(), db, in.ID, in.Value, e.timestamp()); err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func runDel(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in idArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	res, err := db.ExecContext(context.Background(), `DELETE FROM kv WHERE id = ?;`, in.ID)
	if err != nil {
		return nil, fmt.Errorf("del %q: %w", in.ID, err)
	}
	n, _ := res.RowsAffected()
	return json.Marshal(struct {
		OK bool `json:"ok"`
	}{OK: n > 0})
}

func runScan(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in scanArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative")
	}

	entries, err := scanEntries(context.Background(), db, in.Prefix, in.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

func runPutBundle(e *Engine, handle string, args []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}
	var in bundleArgs
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	sum := blake3.Sum256([]byte(in.Code))
	hash := hex.EncodeToString(sum[:])

	_, err = db.ExecContext(context.Background(), `
INSERT INTO bundle(slot, code, hash, updated_at)
VALUES(1, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET code = excluded.code, hash = excluded.hash, updated_at = excluded.updated_at;
`, in.Code, hash, e.timestamp())
	if err != nil {
		return nil, fmt.Errorf("put bundle: %w", err)
	}
	e.logf("debug", "bundle stored", "handle", handle, "hash", hash)
	return json.Marshal(bundleResult{Hash: hash})
}

func runGetBundle(e *Engine, handle string, _ []byte) ([]byte, error) {
	db, err := e.db(handle)
	if err != nil {
		return nil, err
	}

	var out bundleResult
	err = db.QueryRowContext(context.Background(), `SELECT code, hash FROM bundle WHERE slot = 1;`).Scan(&out.Code, &out.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		sum := blake3.Sum256(nil)
		out = bundleResult{Hash: hex.EncodeToString(sum[:])}
	} else if err != nil {
		return nil, fmt.Errorf("get bundle: %w", err)
	}
	return json.Marshal(out)
}

func upsert(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, id string, value json.RawMessage, now string) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid JSON", id)
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO kv(id, value, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
`, id, string(value), now)
	if err != nil {
		return fmt.Errorf("put %q: %w", id, err)
	}
	return nil
}

// scanEntries returns entries whose id starts with prefix, ordered by id.
// A zero limit means no limit.
func scanEntries(ctx context.Context, db *sql.DB, prefix string, limit int) ([]Entry, error) {
	query := `SELECT id, value FROM kv WHERE substr(id, 1, length(?)) = ? ORDER BY id ASC`
	params := []any{prefix, prefix}
	if limit > 0 {
		query += ` LIMIT ?`
		params = append(params, limit)
	}

	rows, err := db.QueryContext(ctx, query+";", params...)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			id    string
			value string
		)
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, Entry{ID: id, Value: json.RawMessage(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan rows: %w", err)
	}
	return entries, nil
}
