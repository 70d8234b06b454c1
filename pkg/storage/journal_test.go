package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atropos/atropos/pkg/session"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	path, err := ResolvePath(filepath.Join(t.TempDir(), "nested", "journal.sqlite"))
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRunLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	if err := j.StartRun(ctx, Run{ID: "run-1", HostID: "host", FridaVersion: "16.5.9", Target: "com.facebook.katana", Stage: "environment"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := j.UpdateRun(ctx, Run{ID: "run-1", DeviceSerial: "emulator-5554", ABI: "arm64-v8a", Arch: "android-arm64", Stage: "artifact"}); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if err := j.UpdateRun(ctx, Run{ID: "run-1", ArtifactSource: "device"}); err != nil {
		t.Fatalf("second update: %v", err)
	}
	if err := j.FinishRun(ctx, "run-1", StatusFailed, "artifact", errors.New(strings.Repeat("x", 600))); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	runs, err := j.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.DeviceSerial != "emulator-5554" || run.Arch != "android-arm64" || run.ArtifactSource != "device" {
		t.Fatalf("updates not persisted: %+v", run)
	}
	if run.Stage != "artifact" {
		t.Fatalf("empty update should not clear stage, got %q", run.Stage)
	}
	if run.Status != StatusFailed || run.ErrorKind != "artifact" || len(run.Error) != maxErrorLength {
		t.Fatalf("unexpected terminal state: %+v", run)
	}
	if run.FinishedAt == nil {
		t.Fatalf("finished_at should be set")
	}
}

func TestJournalRecentRunsOrder(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		if err := j.StartRun(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("start run: %v", err)
		}
	}
	runs, err := j.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Fatalf("unexpected order: %+v", runs)
	}
	if runs[0].Status != StatusRunning {
		t.Fatalf("default status should be running, got %s", runs[0].Status)
	}
}

func TestJournalMessageSink(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	if err := j.StartRun(ctx, Run{ID: "run-1"}); err != nil {
		t.Fatalf("start run: %v", err)
	}
	sink := j.MessageSink("run-1")
	msgs := []session.Message{
		session.ParseMessage(`{"type":"send","payload":"hooked SSLContext"}`, nil),
		session.ParseMessage(`{"type":"log","level":"warning","payload":"retry"}`, []byte{0x1}),
	}
	for _, m := range msgs {
		if err := sink.RecordMessage(ctx, m); err != nil {
			t.Fatalf("record message: %v", err)
		}
	}
	stored, err := j.Messages(ctx, "run-1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(stored))
	}
	if stored[0].Text != "hooked SSLContext" || stored[1].Level != "warning" || stored[1].DataBytes != 1 {
		t.Fatalf("unexpected stored messages: %+v", stored)
	}
	other, err := j.Messages(ctx, "run-2")
	if err != nil || len(other) != 0 {
		t.Fatalf("messages must be scoped to run: %v %v", other, err)
	}
}

func TestFormatSQLForLog(t *testing.T) {
	got := formatSQLForLog("UPDATE runs SET status=? WHERE id=?", "failed", "it's")
	if got != "UPDATE runs SET status='failed' WHERE id='it''s'" {
		t.Fatalf("unexpected %q", got)
	}
	got = formatSQLForLog("SELECT 1", 1)
	if got != "SELECT 1 /* extra args: 1 */" {
		t.Fatalf("unexpected %q", got)
	}
}
