package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/store"
)

// setupEnv points the CLI at a temp store and an address with no daemon.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "phalanx.db")
	t.Setenv("PHALANX_CONFIG", filepath.Join(dir, "missing.yaml"))
	t.Setenv("PHALANX_STORE_PATH", dbPath)
	t.Setenv("PHALANX_NATS_URL", "nats://127.0.0.1:1")
	t.Setenv("PHALANX_LOG_LEVEL", "error")
	return dbPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("phalanx %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func openTestStore(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVersion(t *testing.T) {
	out := mustRun(t, "version")
	if out != "phalanx dev\n" {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestScanLifecycleWithoutDaemon(t *testing.T) {
	dbPath := setupEnv(t)
	ctx := context.Background()

	out := mustRun(t, "scan", "create", "--id", "acme", "--name", "acme", "--target", "example.com", "--instructions", "basic scan")
	if !strings.Contains(out, "Scan created: acme") {
		t.Errorf("unexpected create output: %q", out)
	}

	out = mustRun(t, "scan", "list")
	if !strings.Contains(out, "acme") || !strings.Contains(out, "example.com") {
		t.Errorf("expected acme in list, got %q", out)
	}

	out = mustRun(t, "scan", "start", "acme")
	if !strings.Contains(out, "Scan acme started.") {
		t.Errorf("unexpected start output: %q", out)
	}

	s := openTestStore(t, dbPath)
	tasks, err := s.ListGroupTasks(ctx, "acme")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || !tasks[0].IsRoot {
		t.Fatalf("expected one root task, got %+v", tasks)
	}
	if d := store.ParseDirective(tasks[0].Directive); d.Goal != "basic scan" || d.Role != store.RoleManager {
		t.Errorf("unexpected directive: %+v", d)
	}

	out = mustRun(t, "scan", "stop", "acme")
	if !strings.Contains(out, "0 agents cancelled") {
		t.Errorf("unexpected stop output: %q", out)
	}

	g, _ := s.GetGroup(ctx, "acme")
	if g.Status != store.GroupPaused {
		t.Errorf("expected paused, got %s", g.Status)
	}

	out = mustRun(t, "scan", "status", "acme")
	for _, want := range []string{"paused", "example.com", "cancelled=1", "0 total"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in status output:\n%s", want, out)
		}
	}

	exportPath := filepath.Join(t.TempDir(), "acme.json.zst")
	out = mustRun(t, "scan", "export", "acme", "-f", exportPath)
	if !strings.Contains(out, "Export complete: 1 tasks") {
		t.Errorf("unexpected export output: %q", out)
	}

	report, err := readReport(exportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if report.Group.ID != "acme" || len(report.Tasks) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Tasks[0].Status != store.TaskCancelled {
		t.Errorf("expected cancelled root task in report, got %s", report.Tasks[0].Status)
	}
}

func TestScanCreateValidation(t *testing.T) {
	setupEnv(t)

	if _, err := run(t, "scan", "create", "--name", "x"); err == nil {
		t.Error("expected error without --target")
	}
	if _, err := run(t, "scan", "create", "--name", "x", "--target", "t", "--schedule", "sometimes"); err == nil {
		t.Error("expected error for invalid schedule")
	}

	mustRun(t, "scan", "create", "--id", "g1", "--name", "x", "--target", "t", "--schedule", "every 2h")
	if _, err := run(t, "scan", "create", "--id", "g1", "--name", "x", "--target", "t"); err == nil {
		t.Error("expected error for duplicate id")
	}

	out := mustRun(t, "scan", "status", "g1")
	if !strings.Contains(out, "Every 2 hours") {
		t.Errorf("expected schedule in status, got %q", out)
	}

	if _, err := run(t, "scan", "status", "nope"); err == nil {
		t.Error("expected error for unknown group")
	}
	if _, err := run(t, "scan", "export", "g1"); err == nil {
		t.Error("expected error without -f")
	}
}

func TestScanCreateChecksSkills(t *testing.T) {
	setupEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "recon.md"), []byte("Enumerate subdomains first."), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	t.Setenv("PHALANX_SKILLS_DIR", dir)

	mustRun(t, "scan", "create", "--id", "s1", "--name", "x", "--target", "t", "--skill", "recon")
	if _, err := run(t, "scan", "create", "--id", "s2", "--name", "x", "--target", "t", "--skill", "fuzzing"); err == nil {
		t.Error("expected error for unknown skill")
	}
}

func TestStartWithoutTargetFails(t *testing.T) {
	dbPath := setupEnv(t)
	s := openTestStore(t, dbPath)
	if err := s.SaveGroup(context.Background(), &store.Group{ID: "empty", Name: "empty"}); err != nil {
		t.Fatalf("save group: %v", err)
	}

	if _, err := run(t, "scan", "start", "empty"); err == nil {
		t.Error("expected error for a group without target")
	}
}

func TestToolsByRole(t *testing.T) {
	setupEnv(t)

	out := mustRun(t, "tools")
	for _, name := range []string{"delegate_task", "report_finding", "share_note", "message_agent", "list_agents"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %s in tool list:\n%s", name, out)
		}
	}

	out = mustRun(t, "tools", "--role", "scout")
	if strings.Contains(out, "delegate_task") {
		t.Errorf("scouts must not delegate:\n%s", out)
	}
	if !strings.Contains(out, "report_finding") {
		t.Errorf("expected report_finding for scouts:\n%s", out)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.bytes); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
