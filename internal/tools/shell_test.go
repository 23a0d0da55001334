package tools

import (
	"context"
	"strings"
	"testing"
)

func TestExecToolRunsCommandAndCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "echo hello"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if strings.TrimSpace(res.ForLLM) != "hello" {
		t.Fatalf("expected hello, got %q", res.ForLLM)
	}
}

func TestExecToolBlocksDenyPattern(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "rm -rf /"})
	if !res.IsError {
		t.Fatal("expected deny-pattern command to be blocked")
	}
	if !strings.HasPrefix(res.ForLLM, "Error:") {
		t.Fatalf("expected Error: prefix, got %q", res.ForLLM)
	}
}

func TestExecToolStripsSecretEnvVars(t *testing.T) {
	t.Setenv("MY_SERVICE_API_KEY", "super-secret")
	t.Setenv("PLAIN_VAR", "not-secret")

	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res2 := tool.Execute(context.Background(), map[string]interface{}{"command": `echo "$MY_SERVICE_API_KEY $PLAIN_VAR"`})
	if strings.Contains(res2.ForLLM, "super-secret") {
		t.Fatalf("secret env var leaked into command output: %q", res2.ForLLM)
	}
	if !strings.Contains(res2.ForLLM, "not-secret") {
		t.Fatalf("expected non-secret var to survive, got %q", res2.ForLLM)
	}
}

func TestExecToolTruncatesLongOutput(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "yes x | head -c 20000"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.ForLLM)
	}
	if len(res.ForLLM) > maxOutputChars+100 {
		t.Fatalf("expected output to be truncated near %d chars, got %d", maxOutputChars, len(res.ForLLM))
	}
}

func TestExecToolRejectsCdOutsideWorkspaceWhenRestricted(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "cd /etc && ls"})
	if !res.IsError {
		t.Fatal("expected cd outside workspace to be rejected under restrict_to_workspace")
	}
}

func TestExecToolRejectsAbsolutePathOutsideWorkspaceWhenRestricted(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "cat /etc/passwd"})
	if !res.IsError {
		t.Fatal("expected absolute path outside workspace to be rejected under restrict_to_workspace")
	}
}

func TestExecToolAllowsAbsolutePathInsideWorkspaceWhenRestricted(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "echo hi > " + dir + "/out.txt && cat " + dir + "/out.txt"})
	if res.IsError {
		t.Fatalf("expected absolute path inside workspace to be allowed, got error: %s", res.ForLLM)
	}
}

func TestExecToolIgnoresURLsInAbsolutePathCheck(t *testing.T) {
	dir := t.TempDir()
	tool := NewExecTool(dir, true)
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "echo http://example.com/path"})
	if res.IsError {
		t.Fatalf("expected a URL argument not to trip the absolute-path guard, got error: %s", res.ForLLM)
	}
}
