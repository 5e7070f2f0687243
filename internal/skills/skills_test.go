package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "sqli", "Try boolean-based payloads first.")
	lib := New(dir)

	got, err := lib.Load("sqli")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "Try boolean-based payloads first." {
		t.Errorf("unexpected content %q", got)
	}

	got, err = lib.Load("missing")
	if err != nil || got != "" {
		t.Errorf("expected empty content for missing skill, got %q, %v", got, err)
	}

	// Path components are stripped
	got, err = lib.Load("../sqli")
	if err != nil || got == "" {
		t.Errorf("expected traversal to resolve inside dir, got %q, %v", got, err)
	}
}

func TestBlock(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "sqli", "payloads")
	writeSkill(t, dir, "xss", "  reflections  ")
	writeSkill(t, dir, "empty", "   ")
	lib := New(dir)

	block := lib.Block([]string{"sqli", "missing", "empty", "xss"})
	if !strings.Contains(block, "### Skill: sqli\n\npayloads") {
		t.Errorf("expected sqli section, got %q", block)
	}
	if !strings.Contains(block, "### Skill: xss\n\nreflections") {
		t.Errorf("expected xss section, got %q", block)
	}
	if strings.Contains(block, "missing") || strings.Contains(block, "empty") {
		t.Errorf("expected missing and empty skills skipped, got %q", block)
	}
}

func TestAvailable(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "xss", "x")
	writeSkill(t, dir, "sqli", "s")
	os.WriteFile(filepath.Join(dir, "README.txt"), []byte("ignored"), 0o644)

	names, err := New(dir).Available()
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if strings.Join(names, ",") != "sqli,xss" {
		t.Errorf("expected sqli,xss, got %v", names)
	}

	names, err = New("").Available()
	if err != nil || names != nil {
		t.Errorf("expected no skills for empty dir, got %v, %v", names, err)
	}
}
