// Package events is the append-only audit log. Every meaningful action in the
// engine appends exactly one row here; rows are never mutated or removed. The
// on-disk artifact files are a cache of what this log implies.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gateline/internal/domain"
)

// Log writes and queries event rows. Appends are serialized through a mutex
// so (ts, id) stays monotonic even under concurrent callers; atomicity of the
// row itself is the store's transactional insert.
type Log struct {
	DB  *sql.DB
	Now func() time.Time

	mu sync.Mutex
}

func New(db *sql.DB) *Log {
	return &Log{DB: db, Now: time.Now}
}

// Record is one fact to append. Scope ids may be empty where not applicable.
type Record struct {
	Type         string
	Actor        string
	MissionID    string
	ModuleID     string
	TaskID       string
	SliceID      string
	RepoRevision string
	WorktreePath string
	Payload      map[string]any
	ArtifactRefs []string
}

// Append inserts one event row. Timestamps are UTC at second precision.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if rec.Actor == "" {
		rec.Actor = "system"
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	ts := now().UTC().Truncate(time.Second).Format(time.RFC3339)
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	refs, err := json.Marshal(rec.ArtifactRefs)
	if err != nil {
		return fmt.Errorf("marshal artifact refs: %w", err)
	}
	if rec.ArtifactRefs == nil {
		refs = []byte("[]")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.DB.ExecContext(ctx, `INSERT INTO events(ts,type,actor,mission_id,module_id,task_id,slice_id,repo_revision,worktree_path,payload_json,artifact_refs_json,engine_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		ts, rec.Type, rec.Actor,
		nullable(rec.MissionID), nullable(rec.ModuleID), nullable(rec.TaskID), nullable(rec.SliceID),
		nullable(rec.RepoRevision), nullable(rec.WorktreePath),
		string(payload), string(refs), domain.EngineVersion)
	return err
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Type      string
	MissionID string
	ModuleID  string
	TaskID    string
	SliceID   string
	Limit     int
}

// Query returns matching events newest first (ts descending, insertion order
// as tiebreak), up to the caller-supplied limit.
func (l *Log) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.MissionID != "" {
		clauses = append(clauses, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.ModuleID != "" {
		clauses = append(clauses, "module_id=?")
		args = append(args, f.ModuleID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.SliceID != "" {
		clauses = append(clauses, "slice_id=?")
		args = append(args, f.SliceID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,actor,mission_id,module_id,task_id,slice_id,repo_revision,worktree_path,payload_json,artifact_refs_json,engine_version
		FROM events %s ORDER BY ts DESC, id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var mission, module, task, slice, rev, worktree, payload, refs sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Actor, &mission, &module, &task, &slice, &rev, &worktree, &payload, &refs, &e.EngineVersion); err != nil {
		return e, err
	}
	e.MissionID = mission.String
	e.ModuleID = module.String
	e.TaskID = task.String
	e.SliceID = slice.String
	e.RepoRevision = rev.String
	e.WorktreePath = worktree.String
	if payload.Valid {
		e.Payload = payload.String
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &e.ArtifactRefs); err != nil {
			return e, fmt.Errorf("event %d artifact refs: %w", e.ID, err)
		}
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
