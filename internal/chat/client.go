// Package chat orchestrates one conversation: history, payload shaping,
// transport calls, reasoning redaction and session logging.
package chat

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/noctics/central/internal/llm"
	"github.com/noctics/central/internal/reasoning"
	"github.com/noctics/central/internal/session"
)

// Instrument is an opaque adapter that can stand in for the wire transport
// when an external model serves the turn.
type Instrument interface {
	Send(ctx context.Context, payload llm.Payload, stream bool, onChunk func(string)) (text string, ok bool, err error)
}

// Config holds everything a Client needs at construction.
type Config struct {
	URL         string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Stream      bool
	Sanitize    bool
	StripThink  bool
	Persona     string // system preamble, optional
	SessionDir  string // session root, session.DefaultRoot when empty
	Logging     bool
}

// Client runs turns against one runtime and owns its session logger.
// Single-owner: one goroutine drives a Client at a time.
type Client struct {
	cfg         Config
	targetModel string
	transport   llm.Transport
	instrument  Instrument
	messages    []llm.Message
	logger      *session.Logger
}

// openAIAliases are local model names that must not be sent to api.openai.com
// verbatim.
var openAIAliases = map[string]bool{
	"centi-nox": true,
	"milli-nox": true,
	"gpt-5":     true,
}

const openAISubstitute = "gpt-4o-mini"

// ResolveTargetModel picks the model name actually sent on the wire.
// CENTRAL_TARGET_MODEL wins outright; local aliases pointed at openai.com are
// substituted with a hosted model.
func ResolveTargetModel(url, model string) string {
	if override := strings.TrimSpace(os.Getenv("CENTRAL_TARGET_MODEL")); override != "" {
		return override
	}
	if strings.Contains(url, "openai.com") && openAIAliases[strings.ToLower(strings.TrimSpace(model))] {
		return openAISubstitute
	}
	return model
}

// NewClient builds a client, selects its transport by URL shape and, when
// logging is on, opens a fresh session on disk.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		cfg:         cfg,
		targetModel: ResolveTargetModel(cfg.URL, cfg.Model),
		transport:   llm.NewTransport(cfg.URL, cfg.APIKey),
	}
	if cfg.Persona != "" {
		c.messages = append(c.messages, llm.Message{Role: llm.RoleSystem, Content: cfg.Persona})
	}
	if cfg.Logging {
		c.logger = session.NewLogger(c.targetModel, cfg.Sanitize, cfg.SessionDir)
		if err := c.logger.Start(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AttachInstrument routes subsequent turns through in instead of the wire
// transport. Pass nil to detach.
func (c *Client) AttachInstrument(in Instrument) { c.instrument = in }

// Messages returns the live history. Callers must not mutate it.
func (c *Client) Messages() []llm.Message { return c.messages }

// TargetModel returns the model name sent on the wire.
func (c *Client) TargetModel() string { return c.targetModel }

// OneTurn sends userText as the next turn and returns the cleaned reply.
// ok is false when the provider produced no content; the turn is then not
// appended to history or logged. onDelta, when non-nil and streaming is on,
// receives visible text as it arrives.
func (c *Client) OneTurn(ctx context.Context, userText string, onDelta func(string)) (string, bool, error) {
	return c.run(ctx, userText, "", onDelta)
}

// ProcessInstrumentResult feeds an external instrument's output back into the
// conversation. The text is wrapped in result markers, a stitching prompt is
// attached for this call only, and a standard turn runs. The wrapped text is
// what lands in history.
func (c *Client) ProcessInstrumentResult(ctx context.Context, text string, onDelta func(string)) (string, bool, error) {
	wrapped := "[INSTRUMENT RESULT]\n" + text + "\n[/INSTRUMENT RESULT]"
	return c.run(ctx, wrapped, InstrumentPrompt(), onDelta)
}

func (c *Client) run(ctx context.Context, userText, extraSystem string, onDelta func(string)) (string, bool, error) {
	outgoing := make([]llm.Message, 0, len(c.messages)+2)
	outgoing = append(outgoing, c.messages...)
	if extraSystem != "" {
		outgoing = append(outgoing, llm.Message{Role: llm.RoleSystem, Content: extraSystem})
	}
	outgoing = append(outgoing, llm.Message{Role: llm.RoleUser, Content: userText})

	payload := llm.BuildPayload(c.targetModel, outgoing, c.cfg.Temperature, c.cfg.MaxTokens, c.cfg.Stream)

	var filter *reasoning.StreamFilter
	chunkSink := onDelta
	if c.cfg.Stream && c.cfg.StripThink && onDelta != nil {
		filter = &reasoning.StreamFilter{}
		chunkSink = func(chunk string) {
			if delta := filter.Feed(chunk); delta != "" {
				onDelta(delta)
			}
		}
	}

	raw, ok, err := c.send(ctx, payload, chunkSink)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	cleaned := reasoning.CleanPublicReply(reasoning.StripChainOfThought(raw))
	if filter != nil {
		// Whatever the filter still holds back must reach the terminal so
		// the printed text matches the returned one.
		if delta := filter.Flush(cleaned); delta != "" {
			onDelta(delta)
		}
	}

	if err := c.commitTurn(userText, cleaned); err != nil {
		// The reply is good even when the log write is not.
		return cleaned, true, err
	}
	return cleaned, true, nil
}

func (c *Client) send(ctx context.Context, payload llm.Payload, onChunk func(string)) (string, bool, error) {
	if c.instrument != nil {
		return c.instrument.Send(ctx, payload, c.cfg.Stream, onChunk)
	}
	return c.transport.Send(ctx, payload, c.cfg.Stream, onChunk)
}

// RecordTurn appends a pre-computed exchange without touching any transport.
// Used when a local command substitutes for a model call.
func (c *Client) RecordTurn(userText, assistantText string) error {
	return c.commitTurn(userText, assistantText)
}

// commitTurn adds a completed turn to history and the session log.
func (c *Client) commitTurn(userText, assistantText string) error {
	c.messages = append(c.messages,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
	)
	if c.logger == nil {
		return nil
	}
	record := make([]llm.Message, 0, 3)
	if preamble, ok := llm.SystemPreamble(c.messages); ok {
		record = append(record, preamble)
	}
	record = append(record,
		llm.Message{Role: llm.RoleUser, Content: userText},
		llm.Message{Role: llm.RoleAssistant, Content: assistantText},
	)
	return c.logger.LogTurn(record)
}

// WantsInstrument reports whether a reply is asking for an external
// instrument. The canonical marker is [INSTRUMENT QUERY]; the legacy helper
// phrasing is still recognised.
func WantsInstrument(text string) bool {
	lowered := strings.ToLower(text)
	if strings.Contains(lowered, "[instrument query]") {
		return true
	}
	return strings.Contains(lowered, "requires an instrument") &&
		strings.Contains(lowered, "paste a helper response")
}

// EnsureAutoTitle returns the session title, inferring and persisting one
// from the history when the operator has not set one. A custom title is
// returned unchanged.
func (c *Client) EnsureAutoTitle() string {
	if c.logger != nil {
		meta := c.logger.GetMeta()
		if meta.Custom && meta.TitleOrEmpty() != "" {
			return meta.TitleOrEmpty()
		}
	}
	title := session.ComputeTitleFromMessages(c.messages)
	if title != "" && c.logger != nil {
		_ = c.logger.SetTitle(title, false)
	}
	return title
}

// SetTitle stores an explicit session title.
func (c *Client) SetTitle(title string, custom bool) error {
	if c.logger == nil {
		return nil
	}
	return c.logger.SetTitle(title, custom)
}

// Title returns the current session title, or "".
func (c *Client) Title() string {
	if c.logger == nil {
		return ""
	}
	return c.logger.Title()
}

// CheckConnectivity runs the TCP pre-flight against the configured URL.
func (c *Client) CheckConnectivity(timeout time.Duration) error {
	return llm.CheckConnectivity(c.cfg.URL, timeout)
}

// DescribeTarget snapshots the runtime this client talks to.
func (c *Client) DescribeTarget() map[string]any {
	desc := map[string]any{
		"url":          c.cfg.URL,
		"provider":     llm.DetectProvider(c.cfg.URL).String(),
		"model":        c.cfg.Model,
		"target_model": c.targetModel,
		"stream":       c.cfg.Stream,
		"sanitize":     c.cfg.Sanitize,
		"strip_think":  c.cfg.StripThink,
	}
	if c.logger != nil {
		desc["session"] = c.logger.LogPath()
	}
	return desc
}

// MaybeDeleteEmptySession removes the open session when it never recorded a
// turn. Called on graceful shutdown.
func (c *Client) MaybeDeleteEmptySession() bool {
	if c.logger == nil || c.logger.LogPath() == "" {
		return false
	}
	return session.DeleteIfEmpty(c.logger.LogPath())
}

// AppendSessionToDayLog folds the finished session into its date's day.json.
func (c *Client) AppendSessionToDayLog() (string, error) {
	if c.logger == nil || c.logger.LogPath() == "" {
		return "", nil
	}
	return session.AppendToDayLog(c.logger.LogPath(), c.logger.GetMeta())
}

// AdoptSessionLog continues an existing session: history is rebuilt from its
// records and subsequent turns append to the same file. The current session,
// if empty, is removed first.
func (c *Client) AdoptSessionLog(path string) error {
	if c.logger == nil {
		c.logger = session.NewLogger(c.targetModel, c.cfg.Sanitize, c.cfg.SessionDir)
	} else {
		c.MaybeDeleteEmptySession()
	}
	if err := c.logger.LoadExisting(path); err != nil {
		return err
	}
	c.messages = session.LoadMessages(path)
	return nil
}

// SessionPath returns the open session file, or "".
func (c *Client) SessionPath() string {
	if c.logger == nil {
		return ""
	}
	return c.logger.LogPath()
}
