package llm

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessURL is the pseudo-URL reported by the process transport.
const ProcessURL = "process://runox"

// ProcessTransport spawns the local runner binary and streams its stdout.
// The prompt is rendered with the chat template and written to stdin;
// sampling knobs travel as CLI flags.
//
// Not safe for concurrent use: one Send at a time per transport.
type ProcessTransport struct {
	binary    string
	modelPath string
}

// NewProcessTransport builds a transport for the runner named by url
// (process://<binary>) or by the NOX_LOCAL_RUNNER env var. The model file
// comes from NOX_MODEL_PATH when set.
func NewProcessTransport(url string) *ProcessTransport {
	binary := strings.TrimPrefix(url, "process://")
	if env := os.Getenv("NOX_LOCAL_RUNNER"); env != "" {
		binary = env
	}
	if binary == "" || binary == "runox" {
		binary = "runox"
	}
	return &ProcessTransport{
		binary:    binary,
		modelPath: os.Getenv("NOX_MODEL_PATH"),
	}
}

func (t *ProcessTransport) URL() string { return ProcessURL }

func (t *ProcessTransport) args(payload Payload) []string {
	maxTokens := payload.Options.NumPredict
	if maxTokens <= 0 {
		maxTokens = 256
	}
	ctx := payload.Options.NumCtx
	if ctx <= 0 {
		ctx = 1024
	}
	batch := payload.Options.NumBatch
	if batch <= 0 {
		batch = 32
	}

	args := []string{
		"-raw",
		"-max-tokens", strconv.Itoa(maxTokens),
		"-ctx", strconv.Itoa(ctx),
		"-batch", strconv.Itoa(batch),
	}
	if payload.Options.Temperature != 0 {
		args = append(args, "-temp", strconv.FormatFloat(payload.Options.Temperature, 'g', -1, 64))
	}
	if t.modelPath != "" {
		args = append(args, "-model", t.modelPath)
	}
	return args
}

func (t *ProcessTransport) Send(ctx context.Context, payload Payload, stream bool, onChunk func(string)) (string, bool, error) {
	prompt := RenderPrompt(payload.Messages)
	if prompt == "" {
		return "", false, &TransportError{Kind: ErrSubprocess, URL: t.URL(), Detail: "no prompt content for local runner"}
	}

	cmd := exec.CommandContext(ctx, t.binary, t.args(payload)...)
	if n := payload.Options.NumThread; n > 0 {
		cmd.Env = append(os.Environ(), "NOX_NUM_THREADS="+strconv.Itoa(n))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", false, &TransportError{Kind: ErrSubprocess, URL: t.URL(), Detail: err.Error(), Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", false, &TransportError{Kind: ErrSubprocess, URL: t.URL(), Detail: err.Error(), Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", false, &TransportError{Kind: ErrSubprocess, URL: t.URL(), Detail: err.Error(), Err: err}
	}

	if err := cmd.Start(); err != nil {
		return "", false, &TransportError{Kind: ErrSubprocess, URL: t.URL(), Detail: "failed to launch " + t.binary + ": " + err.Error(), Err: err}
	}

	go func() {
		defer stdin.Close()
		io.WriteString(stdin, prompt)
	}()

	// Drain stderr off the calling goroutine so a chatty runner cannot
	// deadlock against a full pipe. All stdout chunks stay on this
	// goroutine to preserve delivery order.
	stderrCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		stderrCh <- string(data)
	}()

	var acc strings.Builder
	if stream {
		buf := make([]byte, 1)
		for {
			n, readErr := stdout.Read(buf)
			if n > 0 {
				chunk := string(buf[:n])
				acc.WriteString(chunk)
				if onChunk != nil {
					onChunk(chunk)
				}
			}
			if readErr != nil {
				break
			}
		}
	} else {
		data, _ := io.ReadAll(stdout)
		acc.Write(data)
	}

	stderrText := <-stderrCh
	if err := cmd.Wait(); err != nil {
		detail := strings.TrimSpace(stderrText)
		if detail == "" {
			detail = strings.TrimSpace(acc.String())
		}
		return acc.String(), true, &TransportError{
			Kind:   ErrSubprocess,
			URL:    t.URL(),
			Detail: t.binary + " exited: " + err.Error() + ": " + detail,
			Err:    err,
		}
	}

	return acc.String(), true, nil
}
