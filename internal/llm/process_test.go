package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeScript drops an executable shell script standing in for the runner.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runox")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func processPayload() Payload {
	return BuildPayload("m", []Message{{Role: RoleUser, Content: "hello"}}, 0.7, 32, false)
}

func TestProcessTransport_EchoesStdout(t *testing.T) {
	bin := writeScript(t, `cat >/dev/null; printf 'token stream'`)
	t.Setenv("NOX_LOCAL_RUNNER", bin)
	t.Setenv("NOX_MODEL_PATH", "")

	tr := NewProcessTransport(ProcessURL)
	text, ok, err := tr.Send(context.Background(), processPayload(), false, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ok || text != "token stream" {
		t.Errorf("got (%q, %v), want (token stream, true)", text, ok)
	}
}

func TestProcessTransport_StreamingChunks(t *testing.T) {
	bin := writeScript(t, `cat >/dev/null; printf 'abc'`)
	t.Setenv("NOX_LOCAL_RUNNER", bin)
	t.Setenv("NOX_MODEL_PATH", "")

	tr := NewProcessTransport(ProcessURL)
	var streamed strings.Builder
	text, _, err := tr.Send(context.Background(), processPayload(), true, func(s string) {
		streamed.WriteString(s)
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if text != "abc" {
		t.Errorf("text = %q, want abc", text)
	}
	if streamed.String() != text {
		t.Errorf("streamed %q != returned %q", streamed.String(), text)
	}
}

func TestProcessTransport_ReceivesPromptOnStdin(t *testing.T) {
	bin := writeScript(t, `cat`)
	t.Setenv("NOX_LOCAL_RUNNER", bin)
	t.Setenv("NOX_MODEL_PATH", "")

	tr := NewProcessTransport(ProcessURL)
	text, _, err := tr.Send(context.Background(), processPayload(), false, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.Contains(text, "<|im_start|>user\nhello\n<|im_end|>") {
		t.Errorf("runner did not receive templated prompt: %q", text)
	}
	if !strings.HasSuffix(text, "<|im_start|>assistant\n") {
		t.Errorf("prompt must end with open assistant block: %q", text)
	}
}

func TestProcessTransport_NonZeroExit(t *testing.T) {
	bin := writeScript(t, `cat >/dev/null; echo 'model file missing' >&2; exit 3`)
	t.Setenv("NOX_LOCAL_RUNNER", bin)
	t.Setenv("NOX_MODEL_PATH", "")

	tr := NewProcessTransport(ProcessURL)
	_, _, err := tr.Send(context.Background(), processPayload(), false, nil)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ErrSubprocess {
		t.Fatalf("err = %v, want subprocess_error", err)
	}
	if !strings.Contains(terr.Error(), "model file missing") {
		t.Errorf("stderr not surfaced: %v", terr)
	}
}

func TestProcessTransport_EmptyPrompt(t *testing.T) {
	tr := NewProcessTransport(ProcessURL)
	_, _, err := tr.Send(context.Background(), BuildPayload("m", nil, 0, 0, false), false, nil)
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Kind != ErrSubprocess {
		t.Fatalf("err = %v, want subprocess_error for empty prompt", err)
	}
}

func TestProcessTransport_Args(t *testing.T) {
	t.Setenv("NOX_LOCAL_RUNNER", "")
	t.Setenv("NOX_MODEL_PATH", "/models/nox.gguf")
	tr := NewProcessTransport(ProcessURL)

	payload := processPayload()
	payload.Options.NumCtx = 2048
	payload.Options.NumBatch = 16

	args := tr.args(payload)
	joined := strings.Join(args, " ")
	for _, want := range []string{"-raw", "-max-tokens 32", "-ctx 2048", "-batch 16", "-temp 0.7", "-model /models/nox.gguf"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}
