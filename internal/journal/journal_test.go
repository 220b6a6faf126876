package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hotdeploy/hotdeploy/internal/engine"
)

func event(action engine.Action, path string, outcome engine.Outcome, at time.Time) engine.Event {
	return engine.Event{
		CycleID:  "c1",
		Time:     at,
		Action:   action,
		Type:     "txt",
		Path:     path,
		Key:      "txt-1",
		Outcome:  outcome,
		Attempt:  1,
		Duration: 1500 * time.Millisecond,
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	s := OpenTest(t)
	at := time.Date(2026, 2, 13, 20, 1, 2, 123456789, time.UTC)

	failed := event(engine.ActionDeploy, "/repo/txt/b.txt", engine.OutcomeFailure, at.Add(time.Second))
	failed.Err = errors.New("disk full")
	for _, ev := range []engine.Event{
		event(engine.ActionDeploy, "/repo/txt/a.txt", engine.OutcomeSuccess, at),
		failed,
	} {
		if err := s.Record(ctx, ev); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []Entry{
		{
			ID: 2, CycleID: "c1", Time: at.Add(time.Second), Action: "deploy", Type: "txt",
			Path: "/repo/txt/b.txt", Key: "txt-1", Outcome: "failure", Attempt: 1,
			Duration: 1500 * time.Millisecond, Error: "disk full",
		},
		{
			ID: 1, CycleID: "c1", Time: at, Action: "deploy", Type: "txt",
			Path: "/repo/txt/a.txt", Key: "txt-1", Outcome: "success", Attempt: 1,
			Duration: 1500 * time.Millisecond,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}
}

func TestList_Filter(t *testing.T) {
	ctx := context.Background()
	s := OpenTest(t)
	base := time.Date(2026, 2, 13, 20, 0, 0, 0, time.UTC)

	evs := []engine.Event{
		event(engine.ActionDeploy, "/r/a.txt", engine.OutcomeSuccess, base),
		event(engine.ActionUpdate, "/r/a.txt", engine.OutcomeSuccess, base.Add(time.Minute)),
		event(engine.ActionDeploy, "/r/b.txt", engine.OutcomeFailure, base.Add(2*time.Minute)),
	}
	evs[2].CycleID = "c2"
	for _, ev := range evs {
		s.Report(ctx, ev)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{name: "path", filter: Filter{Path: "/r/a.txt"}, want: []int64{2, 1}},
		{name: "outcome", filter: Filter{Outcome: "failure"}, want: []int64{3}},
		{name: "failed only", filter: Filter{FailedOnly: true}, want: []int64{3}},
		{name: "cycle", filter: Filter{CycleID: "c2"}, want: []int64{3}},
		{name: "since", filter: Filter{Since: base.Add(time.Minute)}, want: []int64{3, 2}},
		{name: "limit", filter: Filter{Limit: 1}, want: []int64{3}},
		{name: "type mismatch", filter: Filter{Type: "webapp"}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []int64
			for _, e := range entries {
				ids = append(ids, e.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReport_CancelledContext(t *testing.T) {
	s := OpenTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Report(ctx, event(engine.ActionUndeploy, "/r/a.txt", engine.OutcomeSuccess, time.Now()))

	entries, err := s.List(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entries = %d, want the event recorded despite cancellation", len(entries))
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Record(context.Background(), event(engine.ActionDeploy, "/r/a.txt", engine.OutcomeSuccess, time.Now())); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopening runs no migration twice and keeps the data.
	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	entries, err := s.List(context.Background(), Filter{})
	if err != nil || len(entries) != 1 {
		t.Errorf("after reopen: %d entries, err %v", len(entries), err)
	}
}
