package chat

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/noctics/central/internal/llm"
	"github.com/noctics/central/internal/session"
)

// stubRuntime stands in for a transport via the instrument hook.
type stubRuntime struct {
	chunks []string
	text   string
	ok     bool
	err    error

	calls       int
	lastPayload llm.Payload
	lastStream  bool
}

func (s *stubRuntime) Send(ctx context.Context, payload llm.Payload, stream bool, onChunk func(string)) (string, bool, error) {
	s.calls++
	s.lastPayload = payload
	s.lastStream = stream
	if s.err != nil {
		return "", false, s.err
	}
	if len(s.chunks) > 0 {
		var full strings.Builder
		for _, chunk := range s.chunks {
			if chunk == "" {
				continue
			}
			if stream && onChunk != nil {
				onChunk(chunk)
			}
			full.WriteString(chunk)
		}
		return full.String(), true, nil
	}
	return s.text, s.ok, nil
}

func newTestClient(t *testing.T, cfg Config, stub *stubRuntime) *Client {
	t.Helper()
	if cfg.Model == "" {
		cfg.Model = "m"
	}
	if cfg.URL == "" {
		cfg.URL = "http://127.0.0.1:11434/api/chat"
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if stub != nil {
		client.AttachInstrument(stub)
	}
	return client
}

func TestOneTurn_OllamaChat(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{text: "hi", ok: true}
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, stub)

	reply, ok, err := client.OneTurn(context.Background(), "yo", nil)
	if err != nil || !ok {
		t.Fatalf("OneTurn = (%q, %v, %v)", reply, ok, err)
	}
	if reply != "hi" {
		t.Errorf("reply = %q, want hi", reply)
	}

	history := client.Messages()
	if len(history) != 2 ||
		history[0] != (llm.Message{Role: llm.RoleUser, Content: "yo"}) ||
		history[1] != (llm.Message{Role: llm.RoleAssistant, Content: "hi"}) {
		t.Errorf("history = %+v", history)
	}

	meta := session.LoadMeta(client.SessionPath())
	if meta.Turns != 1 {
		t.Errorf("turns = %d, want 1", meta.Turns)
	}
	logged := session.LoadMessages(client.SessionPath())
	if len(logged) != 2 || logged[0].Content != "yo" || logged[1].Content != "hi" {
		t.Errorf("logged = %+v", logged)
	}
}

func TestOneTurn_PersonaPreamble(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{text: "ok", ok: true}
	client := newTestClient(t, Config{Logging: true, SessionDir: root, Persona: "be brief"}, stub)

	if _, _, err := client.OneTurn(context.Background(), "q", nil); err != nil {
		t.Fatal(err)
	}

	sent := stub.lastPayload.Messages
	if len(sent) == 0 || sent[0].Role != llm.RoleSystem || sent[0].Content != "be brief" {
		t.Errorf("payload lacks persona preamble: %+v", sent)
	}
	logged := session.LoadMessages(client.SessionPath())
	if len(logged) != 3 || logged[0].Role != llm.RoleSystem {
		t.Errorf("record must carry the preamble once: %+v", logged)
	}
}

func TestOneTurn_Streaming(t *testing.T) {
	stub := &stubRuntime{chunks: []string{"Hel", "lo"}}
	client := newTestClient(t, Config{Stream: true}, stub)

	var deltas []string
	reply, ok, err := client.OneTurn(context.Background(), "hi", func(d string) { deltas = append(deltas, d) })
	if err != nil || !ok {
		t.Fatalf("OneTurn: %v", err)
	}
	if reply != "Hello" {
		t.Errorf("reply = %q, want Hello", reply)
	}
	if len(deltas) != 2 || deltas[0] != "Hel" || deltas[1] != "lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if !stub.lastStream || !stub.lastPayload.Stream {
		t.Error("stream flag not propagated")
	}
}

func TestOneTurn_StripsThinkFromStream(t *testing.T) {
	stub := &stubRuntime{chunks: []string{"<think>pl", "an</think>Answ", "er: 42"}}
	client := newTestClient(t, Config{Stream: true, StripThink: true}, stub)

	var emitted strings.Builder
	reply, ok, err := client.OneTurn(context.Background(), "q", func(d string) {
		if strings.Contains(d, "plan") {
			t.Errorf("hidden reasoning leaked: %q", d)
		}
		emitted.WriteString(d)
	})
	if err != nil || !ok {
		t.Fatalf("OneTurn: %v", err)
	}
	if reply != "Answer: 42" {
		t.Errorf("reply = %q", reply)
	}
	if emitted.String() != reply {
		t.Errorf("streamed %q, returned %q", emitted.String(), reply)
	}
}

func TestOneTurn_NoContent(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{ok: false}
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, stub)

	reply, ok, err := client.OneTurn(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("OneTurn: %v", err)
	}
	if ok || reply != "" {
		t.Errorf("got (%q, %v), want empty/false", reply, ok)
	}
	if len(client.Messages()) != 0 {
		t.Errorf("contentless turn must not enter history: %+v", client.Messages())
	}
	if !client.MaybeDeleteEmptySession() {
		t.Error("session with no turns must be deletable")
	}
}

func TestOneTurn_TransportError(t *testing.T) {
	stub := &stubRuntime{err: fmt.Errorf("boom")}
	client := newTestClient(t, Config{}, stub)

	if _, _, err := client.OneTurn(context.Background(), "q", nil); err == nil {
		t.Fatal("expected error")
	}
	if len(client.Messages()) != 0 {
		t.Error("failed turn must not enter history")
	}
}

func TestWantsInstrument(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Please consult [INSTRUMENT QUERY] help me", true},
		{"please consult [instrument query] help me", true},
		{"This task requires an instrument. Paste a helper response below.", true},
		{"This requires an instrument but nothing else", false},
		{"", false},
		{"plain text", false},
	}
	for _, tt := range tests {
		if got := WantsInstrument(tt.text); got != tt.want {
			t.Errorf("WantsInstrument(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestProcessInstrumentResult(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{text: "Please consult [INSTRUMENT QUERY] help me", ok: true}
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, stub)

	reply, _, err := client.OneTurn(context.Background(), "hard question", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !WantsInstrument(reply) {
		t.Fatalf("reply %q should request an instrument", reply)
	}

	stub.text = "stitched answer"
	reply, ok, err := client.ProcessInstrumentResult(context.Background(), "42", nil)
	if err != nil || !ok {
		t.Fatalf("ProcessInstrumentResult: %v", err)
	}
	if reply != "stitched answer" {
		t.Errorf("reply = %q", reply)
	}

	sent := stub.lastPayload.Messages
	wrapped := "[INSTRUMENT RESULT]\n42\n[/INSTRUMENT RESULT]"
	if sent[len(sent)-1].Content != wrapped {
		t.Errorf("last outgoing message = %q, want wrapped result", sent[len(sent)-1].Content)
	}
	foundPrompt := false
	for _, msg := range sent {
		if msg.Role == llm.RoleSystem && msg.Content == InstrumentPrompt() {
			foundPrompt = true
		}
	}
	if !foundPrompt {
		t.Error("stitching prompt missing from outgoing messages")
	}

	history := client.Messages()
	if history[len(history)-2].Content != wrapped {
		t.Errorf("history user message = %q, want wrapped verbatim", history[len(history)-2].Content)
	}
	// The one-off stitching prompt must not persist in history.
	for _, msg := range history {
		if msg.Role == llm.RoleSystem && msg.Content == InstrumentPrompt() {
			t.Error("stitching prompt leaked into history")
		}
	}
}

func TestInstrumentPromptReload(t *testing.T) {
	first := InstrumentPrompt()
	if first == "" {
		t.Fatal("embedded prompt is empty")
	}
	ReloadInstrumentPrompt()
	if again := InstrumentPrompt(); again != first {
		t.Errorf("reload changed the prompt: %q vs %q", again, first)
	}
}

func TestRecordTurn(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{}
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, stub)

	if err := client.RecordTurn("ran: ls", "file1 file2"); err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if stub.calls != 0 {
		t.Error("RecordTurn must not touch the transport")
	}
	if meta := session.LoadMeta(client.SessionPath()); meta.Turns != 1 {
		t.Errorf("turns = %d, want 1", meta.Turns)
	}
}

func TestEnsureAutoTitle(t *testing.T) {
	root := t.TempDir()
	stub := &stubRuntime{text: "a", ok: true}
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, stub)
	if _, _, err := client.OneTurn(context.Background(), "how do transistors work", nil); err != nil {
		t.Fatal(err)
	}

	if got := client.EnsureAutoTitle(); got != "how do transistors work" {
		t.Errorf("inferred title = %q", got)
	}
	meta := session.LoadMeta(client.SessionPath())
	if meta.Custom {
		t.Error("inferred title must not be custom")
	}

	if err := client.SetTitle("My Notes", true); err != nil {
		t.Fatal(err)
	}
	if got := client.EnsureAutoTitle(); got != "My Notes" {
		t.Errorf("custom title overridden: %q", got)
	}
	if meta := session.LoadMeta(client.SessionPath()); !meta.Custom {
		t.Error("custom flag lost")
	}
}

func TestResolveTargetModel(t *testing.T) {
	t.Setenv("CENTRAL_TARGET_MODEL", "")

	if got := ResolveTargetModel("https://api.openai.com/v1/chat/completions", "centi-nox"); got != "gpt-4o-mini" {
		t.Errorf("alias on openai = %q, want gpt-4o-mini", got)
	}
	if got := ResolveTargetModel("http://127.0.0.1:11434/api/chat", "centi-nox"); got != "centi-nox" {
		t.Errorf("alias on local = %q, want passthrough", got)
	}
	if got := ResolveTargetModel("https://api.openai.com/v1/chat/completions", "gpt-4o"); got != "gpt-4o" {
		t.Errorf("non-alias = %q, want passthrough", got)
	}

	t.Setenv("CENTRAL_TARGET_MODEL", "forced")
	if got := ResolveTargetModel("http://x/api/chat", "m"); got != "forced" {
		t.Errorf("override = %q, want forced", got)
	}
}

func TestMaybeDeleteEmptySession(t *testing.T) {
	root := t.TempDir()
	client := newTestClient(t, Config{Logging: true, SessionDir: root}, nil)
	path := client.SessionPath()
	dayDir := filepath.Dir(path)

	if !client.MaybeDeleteEmptySession() {
		t.Fatal("empty session must be removed")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("session file still present")
	}
	if _, err := os.Stat(dayDir); !os.IsNotExist(err) {
		t.Error("date directory still present")
	}
}

func TestAdoptSessionLog(t *testing.T) {
	root := t.TempDir()
	first := newTestClient(t, Config{Logging: true, SessionDir: root}, nil)
	if err := first.RecordTurn("q1", "a1"); err != nil {
		t.Fatal(err)
	}

	second := newTestClient(t, Config{Logging: true, SessionDir: root}, nil)
	abandoned := second.SessionPath()
	if err := second.AdoptSessionLog(first.SessionPath()); err != nil {
		t.Fatalf("AdoptSessionLog: %v", err)
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Error("abandoned empty session not cleaned up")
	}
	if len(second.Messages()) != 2 {
		t.Errorf("adopted history = %+v", second.Messages())
	}

	if err := second.RecordTurn("q2", "a2"); err != nil {
		t.Fatal(err)
	}
	if meta := session.LoadMeta(first.SessionPath()); meta.Turns != 2 {
		t.Errorf("continued session turns = %d, want 2", meta.Turns)
	}
}

func TestDescribeTarget(t *testing.T) {
	client := newTestClient(t, Config{URL: "http://127.0.0.1:11434/api/generate", Model: "nox"}, nil)
	desc := client.DescribeTarget()
	if desc["provider"] != "ollama-generate" {
		t.Errorf("provider = %v", desc["provider"])
	}
	if desc["model"] != "nox" || desc["target_model"] != "nox" {
		t.Errorf("model fields = %v / %v", desc["model"], desc["target_model"])
	}
}

func TestBuildCandidates(t *testing.T) {
	t.Setenv("CENTRAL_LLM_FALLBACK_URLS", "http://fb1/api/chat, http://fb2/api/chat")
	t.Setenv("CENTRAL_LLM_FALLBACK_MODELS", "m1")
	t.Setenv("CENTRAL_LLM_FALLBACK_API_KEYS", "k1,k2")
	t.Setenv("CENTRAL_LOCAL_LLM_URL", "http://local/api/generate")
	t.Setenv("CENTRAL_LOCAL_LLM_MODEL", "local-m")

	got := BuildCandidates("http://primary/api/chat", "pm", "pk")
	if len(got) != 4 {
		t.Fatalf("got %d candidates: %+v", len(got), got)
	}
	if got[0].Source != "configured" || got[0].Model != "pm" {
		t.Errorf("primary = %+v", got[0])
	}
	if got[1].Source != "fallback #1" || got[1].Model != "m1" || got[1].APIKey != "k1" {
		t.Errorf("fallback 1 = %+v", got[1])
	}
	if got[2].Source != "fallback #2" || got[2].Model != "pm" || got[2].APIKey != "k2" {
		t.Errorf("fallback 2 inherits primary model: %+v", got[2])
	}
	if got[3].Source != "local fallback" || got[3].Model != "local-m" {
		t.Errorf("local = %+v", got[3])
	}
}

func TestBuildCandidates_DedupsByURL(t *testing.T) {
	t.Setenv("CENTRAL_LLM_FALLBACK_URLS", "http://primary/api/chat/")
	t.Setenv("CENTRAL_LLM_FALLBACK_MODELS", "")
	t.Setenv("CENTRAL_LLM_FALLBACK_API_KEYS", "")
	t.Setenv("CENTRAL_LOCAL_LLM_URL", "")

	got := BuildCandidates("http://primary/api/chat", "m", "")
	if len(got) != 1 {
		t.Errorf("duplicate URL kept: %+v", got)
	}
}

func TestConnect_FallbackLadder(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	live, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()

	root := t.TempDir()
	base := Config{Logging: true, SessionDir: root}
	candidates := []RuntimeCandidate{
		{URL: "http://" + deadAddr + "/api/chat", Model: "m", Source: "configured"},
		{URL: "http://" + live.Addr().String() + "/api/chat", Model: "m", Source: "fallback #1"},
	}

	client, winner, err := Connect(base, candidates, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if winner.Source != "fallback #1" {
		t.Errorf("winner = %+v", winner)
	}
	if infos := session.List(root); len(infos) != 1 {
		t.Errorf("%d sessions on disk, want 1 (loser's removed)", len(infos))
	}
	if client.SessionPath() == "" {
		t.Error("winning client has no open session")
	}
}

func TestConnect_AllUnreachable(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	root := t.TempDir()
	candidates := []RuntimeCandidate{
		{URL: "http://" + deadAddr + "/api/chat", Model: "m", Source: "configured"},
	}
	if _, _, err := Connect(Config{Logging: true, SessionDir: root}, candidates, 200*time.Millisecond); err == nil {
		t.Fatal("expected error when every rung fails")
	}
	if infos := session.List(root); len(infos) != 0 {
		t.Errorf("%d sessions left behind, want 0", len(infos))
	}
}
