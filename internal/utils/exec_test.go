package utils

import (
	"context"
	"strings"
	"testing"
)

func TestRunCommandReturnsTrimmedStdout(t *testing.T) {
	out, err := RunCommand(context.Background(), "sh", "-c", "printf ' hello \n'")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected trimmed output %q, got %q", "hello", out)
	}
}

func TestRunCommandFoldsStderrIntoError(t *testing.T) {
	_, err := RunCommand(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected stderr in error, got: %v", err)
	}
}

func TestRunCommandUnknownBinary(t *testing.T) {
	_, err := RunCommand(context.Background(), "definitely-not-a-binary-relctl")
	if err == nil {
		t.Fatal("expected error for unknown binary")
	}
}
