package calllog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "calls.db"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Record(ctx, "read_file", "local", map[string]any{"path": "/tmp/x"}, "contents", 12*time.Millisecond)
	s.Record(ctx, "get_status", "remote", nil, "ok", 40*time.Millisecond)

	entries, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Error("entry missing generated ID")
		}
		if e.Timestamp.IsZero() {
			t.Error("entry missing timestamp")
		}
	}
	// Args survive the round trip; nil args stay empty.
	var withArgs, withoutArgs bool
	for _, e := range entries {
		if e.Tool == "read_file" && len(e.Args) > 0 {
			withArgs = true
		}
		if e.Tool == "get_status" && len(e.Args) == 0 {
			withoutArgs = true
		}
	}
	if !withArgs || !withoutArgs {
		t.Errorf("args round trip failed: %+v", entries)
	}
}

func TestRecent_LimitAndDefault(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 5 {
		s.Record(ctx, "noop", "local", nil, "", time.Millisecond)
	}

	entries, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d entries, want 3", len(entries))
	}

	entries, err = s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent(0) error: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Recent(0) returned %d entries, want all 5", len(entries))
	}
}

func TestCountSince(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Record(ctx, "a", "local", nil, "", time.Millisecond)
	s.Record(ctx, "b", "remote", nil, "", time.Millisecond)

	n, err := s.CountSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince error: %v", err)
	}
	if n != 2 {
		t.Errorf("CountSince = %d, want 2", n)
	}

	n, err = s.CountSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CountSince error: %v", err)
	}
	if n != 0 {
		t.Errorf("CountSince(future) = %d, want 0", n)
	}
}
