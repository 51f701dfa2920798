package llm

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Provider kinds, selected by URL shape.
type ProviderKind int

const (
	// KindOpenAI covers chat/completions style endpoints (SSE streaming).
	KindOpenAI ProviderKind = iota
	// KindGenerate is Ollama /api/generate (NDJSON, prompt-based).
	KindGenerate
	// KindChat is Ollama /api/chat (NDJSON, message-based).
	KindChat
	// KindProcess is the local child-process runner.
	KindProcess
)

func (k ProviderKind) String() string {
	switch k {
	case KindGenerate:
		return "ollama-generate"
	case KindChat:
		return "ollama-chat"
	case KindProcess:
		return "process"
	default:
		return "openai"
	}
}

// DetectProvider picks the wire protocol for a URL.
func DetectProvider(url string) ProviderKind {
	switch {
	case strings.HasPrefix(url, "process://"):
		return KindProcess
	case strings.Contains(url, "/api/generate"):
		return KindGenerate
	case strings.Contains(url, "/api/chat"):
		return KindChat
	default:
		return KindOpenAI
	}
}

// Options carries Ollama sampling knobs packed under "options".
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumBatch    int     `json:"num_batch,omitempty"`
	NumThread   int     `json:"num_thread,omitempty"`
}

// Payload is the canonical request shape. Transports apply provider-specific
// adjustments when encoding it onto the wire.
type Payload struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Stream      bool
	Options     Options
	KeepAlive   string
}

// recentHistoryWindow bounds generate-style prompts to the tail of the
// conversation so small local contexts are not blown out.
const recentHistoryWindow = 6

const threadCapDefault = 6

// BuildPayload assembles the canonical payload plus runtime options from env.
func BuildPayload(model string, messages []Message, temperature float64, maxTokens int, stream bool) Payload {
	return Payload{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Options: Options{
			Temperature: temperature,
			NumPredict:  maxTokens,
			NumCtx:      envInt("NOX_NUM_CTX", 1024),
			NumBatch:    envInt("NOX_NUM_BATCH", 32),
			NumThread:   threadCount(),
		},
		KeepAlive: os.Getenv("NOX_KEEP_ALIVE"),
	}
}

// threadCount honours NOX_NUM_THREADS, else min(CPUs, cap). The cap keeps
// constrained mobile environments from pinning every core.
func threadCount() int {
	if n := envInt("NOX_NUM_THREADS", 0); n > 0 {
		return n
	}
	limit := envInt("NOX_NUM_THREADS_CAP", threadCapDefault)
	if limit <= 0 {
		limit = threadCapDefault
	}
	cpus := runtime.NumCPU()
	if cpus < limit {
		return cpus
	}
	return limit
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// TrimRecent keeps the system preamble and the last n user/assistant
// messages, preserving order.
func TrimRecent(messages []Message, n int) []Message {
	var system []Message
	var turns []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if len(system) == 0 {
				system = append(system, msg)
			}
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append(system, turns...)
}

// RenderPrompt flattens messages into the runner chat template:
//
//	<|im_start|>role
//	content
//	<|im_end|>
//
// joined by newlines, with a trailing open assistant block. Only the last
// recentHistoryWindow user/assistant messages are kept.
func RenderPrompt(messages []Message) string {
	trimmed := TrimRecent(messages, recentHistoryWindow)
	var blocks []string
	for _, msg := range trimmed {
		role := strings.TrimSpace(string(msg.Role))
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		blocks = append(blocks, "<|im_start|>"+role+"\n"+content+"\n<|im_end|>")
	}
	if len(blocks) == 0 {
		return ""
	}
	blocks = append(blocks, "<|im_start|>assistant\n")
	return strings.Join(blocks, "\n")
}

// SplitPromptSystem renders the generate-style prompt/system pair: the system
// preamble is carried separately, everything else goes through the template.
func SplitPromptSystem(messages []Message) (prompt, system string) {
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem && system == "" {
			system = msg.Content
			continue
		}
		if msg.Role == RoleSystem {
			continue
		}
		rest = append(rest, msg)
	}
	return RenderPrompt(rest), system
}
