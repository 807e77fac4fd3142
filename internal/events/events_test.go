package events_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"gateline/internal/db"
	"gateline/internal/events"
	"gateline/internal/migrate"
)

func newLog(t *testing.T) *events.Log {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := events.New(conn)
	log.Now = func() time.Time { return time.Date(2025, 4, 1, 10, 30, 0, 500, time.UTC) }
	return log
}

func TestAppendAndQueryNewestFirst(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	for _, typ := range []string{events.TypeTaskCreated, events.TypeTaskFrozen, events.TypeTaskPlanApproved} {
		if err := log.Append(ctx, events.Record{Type: typ, Actor: "tester", TaskID: "t-1"}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}

	evs, err := log.Query(ctx, events.Filter{TaskID: "t-1", Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	// identical timestamps: insertion order (id) breaks the tie, newest first
	if evs[0].Type != events.TypeTaskPlanApproved || evs[2].Type != events.TypeTaskCreated {
		t.Fatalf("unexpected order %s, %s, %s", evs[0].Type, evs[1].Type, evs[2].Type)
	}
	if evs[0].ID <= evs[1].ID || evs[1].ID <= evs[2].ID {
		t.Fatalf("ids not descending: %d %d %d", evs[0].ID, evs[1].ID, evs[2].ID)
	}
}

func TestTimestampSecondPrecisionUTC(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	if err := log.Append(ctx, events.Record{Type: events.TypeTaskCreated, TaskID: "t-1"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	evs, err := log.Query(ctx, events.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if evs[0].TS != "2025-04-01T10:30:00Z" {
		t.Fatalf("ts = %q, want second-precision UTC", evs[0].TS)
	}
	if evs[0].Actor != "system" {
		t.Fatalf("empty actor should default to system, got %q", evs[0].Actor)
	}
}

func TestFilters(t *testing.T) {
	log := newLog(t)
	ctx := context.Background()
	records := []events.Record{
		{Type: events.TypeTaskCreated, TaskID: "t-1"},
		{Type: events.TypeSliceCompleted, TaskID: "t-1", SliceID: "s1"},
		{Type: events.TypeSliceCompleted, TaskID: "t-2", SliceID: "s1"},
		{Type: events.TypeGateFailed, TaskID: "t-2", SliceID: "s2", Payload: map[string]any{"gate": "verify"}},
	}
	for _, rec := range records {
		if err := log.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	evs, err := log.Query(ctx, events.Filter{Type: events.TypeSliceCompleted, Limit: 10})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 slice.completed events, got %d", len(evs))
	}

	evs, err = log.Query(ctx, events.Filter{TaskID: "t-2", SliceID: "s2", Limit: 10})
	if err != nil {
		t.Fatalf("query by scope: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeGateFailed {
		t.Fatalf("unexpected result %+v", evs)
	}
	if !strings.Contains(evs[0].Payload, `"gate":"verify"`) {
		t.Fatalf("payload not persisted: %q", evs[0].Payload)
	}

	evs, err = log.Query(ctx, events.Filter{Limit: 2})
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("limit not applied, got %d", len(evs))
	}
}
