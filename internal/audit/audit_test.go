package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/crucible/internal/engine"
	"github.com/jkaninda/crucible/internal/future"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestJournal(t *testing.T, withDB bool) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{LogPath: filepath.Join(dir, "audit.jsonl")}
	if withDB {
		cfg.DatabasePath = filepath.Join(dir, "crucible.db")
	}
	j, err := Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j, cfg.LogPath
}

func sampleOutcome(id string, kind engine.OutcomeKind) *engine.Outcome {
	return &engine.Outcome{
		ExecutionID: id,
		Kind:        kind,
		Error:       "budget exhausted",
		Limit:       engine.LimitOperations,
		Trace: []future.TraceEntry{
			{Capability: "http_fetch"},
			{Capability: "get_time"},
		},
		Usage: engine.Usage{Operations: 1234, Duration: 250 * time.Millisecond},
	}
}

func TestRecordAppendsJournalLine(t *testing.T) {
	j, logPath := openTestJournal(t, false)

	j.Record(context.Background(), "process", sampleOutcome("exec-1", engine.KindResourceExceeded))
	j.Record(context.Background(), "docker", sampleOutcome("exec-2", engine.KindSuccess))

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad journal line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 journal lines, got %d", len(entries))
	}
	first := entries[0]
	if first.ExecutionID != "exec-1" || first.Backend != "process" {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.Kind != string(engine.KindResourceExceeded) || first.Limit != engine.LimitOperations {
		t.Errorf("kind/limit not recorded: %+v", first)
	}
	if first.Operations != 1234 || first.DurationMS != 250 || first.Dispatches != 2 {
		t.Errorf("usage not recorded: %+v", first)
	}
}

func TestRecentQueriesStore(t *testing.T) {
	j, _ := openTestJournal(t, true)

	for _, id := range []string{"exec-a", "exec-b", "exec-c"} {
		j.Record(context.Background(), "inprocess", sampleOutcome(id, engine.KindSuccess))
	}

	entries, err := j.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].ExecutionID != "exec-c" || entries[1].ExecutionID != "exec-b" {
		t.Errorf("unexpected order: %s, %s", entries[0].ExecutionID, entries[1].ExecutionID)
	}
}

func TestRecentWithoutDatabase(t *testing.T) {
	j, _ := openTestJournal(t, false)
	if _, err := j.Recent(context.Background(), 10); err == nil {
		t.Fatal("expected error when database is not configured")
	}
}

func TestPing(t *testing.T) {
	j, _ := openTestJournal(t, true)
	if err := j.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenRequiresLogPath(t *testing.T) {
	if _, err := Open(Config{}, testLogger()); err == nil {
		t.Fatal("expected error for empty log path")
	}
}
