package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClientTimeout is the default timeout for HTTP requests. Model replies
// can take minutes on slow local hardware.
const httpClientTimeout = 10 * time.Minute

var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// HTTPTransport speaks both OpenAI-style chat/completions (SSE) and the
// Ollama /api/generate and /api/chat endpoints (NDJSON). The wire protocol is
// chosen from the URL path.
type HTTPTransport struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPTransport(url, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		apiKey: apiKey,
		client: defaultHTTPClient,
	}
}

func (t *HTTPTransport) URL() string { return t.url }

// Wire shapes. The canonical payload is reshaped per endpoint:
// chat/completions keeps messages, /api/generate swaps them for a rendered
// prompt, /api/chat keeps messages plus the options block.

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openaiRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type generateRequest struct {
	Model     string  `json:"model"`
	Prompt    string  `json:"prompt"`
	System    string  `json:"system,omitempty"`
	Stream    bool    `json:"stream"`
	Options   Options `json:"options"`
	KeepAlive string  `json:"keep_alive,omitempty"`
}

type ollamaChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream"`
	Options   Options   `json:"options"`
	KeepAlive string    `json:"keep_alive,omitempty"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sseChoice struct {
	Delta struct {
		Content *string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content *string `json:"content"`
	} `json:"message"`
	Text *string `json:"text"`
}

type sseEvent struct {
	Choices []sseChoice `json:"choices"`
}

type ndjsonChunk struct {
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Response string          `json:"response"`
	Error    json.RawMessage `json:"error"`
	Done     bool            `json:"done"`
}

func (t *HTTPTransport) encode(payload Payload, stream bool) ([]byte, error) {
	switch DetectProvider(t.url) {
	case KindGenerate:
		prompt, system := SplitPromptSystem(payload.Messages)
		return json.Marshal(generateRequest{
			Model:     payload.Model,
			Prompt:    prompt,
			System:    system,
			Stream:    stream,
			Options:   payload.Options,
			KeepAlive: payload.KeepAlive,
		})
	case KindChat:
		return json.Marshal(ollamaChatRequest{
			Model:     payload.Model,
			Messages:  payload.Messages,
			Stream:    stream,
			Options:   payload.Options,
			KeepAlive: payload.KeepAlive,
		})
	default:
		req := openaiRequest{
			Model:       payload.Model,
			Temperature: payload.Temperature,
			Stream:      stream,
		}
		isOpenAI := strings.Contains(strings.ToLower(t.url), "openai.com")
		for _, msg := range payload.Messages {
			wire := wireMessage{Role: string(msg.Role), Content: msg.Content}
			if isOpenAI {
				wire.Content = []textPart{{Type: "text", Text: msg.Content}}
			}
			req.Messages = append(req.Messages, wire)
		}
		if isOpenAI {
			if payload.MaxTokens > 0 {
				v := payload.MaxTokens
				req.MaxTokens = &v
			}
		} else {
			v := payload.MaxTokens
			req.MaxTokens = &v
		}
		return json.Marshal(req)
	}
}

func (t *HTTPTransport) Send(ctx context.Context, payload Payload, stream bool, onChunk func(string)) (string, bool, error) {
	body, err := t.encode(payload, stream)
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", false, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", false, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", false, &TransportError{
			Kind:   ErrHTTPStatus,
			URL:    t.url,
			Status: resp.StatusCode,
			Detail: strings.TrimSpace(string(excerpt)),
		}
	}

	switch DetectProvider(t.url) {
	case KindGenerate, KindChat:
		if stream {
			return t.readNDJSON(resp.Body, onChunk)
		}
		return t.readOllamaOnce(resp.Body)
	default:
		if stream {
			return t.readSSE(resp.Body, onChunk)
		}
		return t.readJSONOnce(resp.Body)
	}
}

// readSSE consumes an OpenAI-style event stream. Lines of the form
// "data: <json>" are buffered until a blank line terminates the event;
// "data:[DONE]" ends the stream; comment lines (":") and unknown fields are
// ignored.
func (t *HTTPTransport) readSSE(r io.Reader, onChunk func(string)) (string, bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	var acc strings.Builder

	dispatch := func() (done bool) {
		data := strings.TrimSpace(strings.Join(dataLines, "\n"))
		dataLines = dataLines[:0]
		if data == "" {
			return false
		}
		if data == "[DONE]" {
			return true
		}
		piece := extractSSEPiece(data)
		if piece != "" {
			if onChunk != nil {
				onChunk(piece)
			}
			acc.WriteString(piece)
		}
		return false
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if dispatch() {
				return acc.String(), true, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			continue
		}
		// Other SSE fields (event:, id:, retry:) are ignored; the blank
		// line still dispatches whatever data has accumulated.
	}
	if err := scanner.Err(); err != nil {
		return acc.String(), true, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}
	// EOF with a pending event is dispatched as-is.
	dispatch()
	return acc.String(), true, nil
}

// extractSSEPiece pulls the first non-null of delta.content, message.content
// and text from choices[0]. Non-JSON data that does not look like an object
// is passed through verbatim.
func extractSSEPiece(data string) string {
	var event sseEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		if !strings.HasPrefix(strings.TrimSpace(data), "{") {
			return data
		}
		return ""
	}
	if len(event.Choices) == 0 {
		return ""
	}
	choice := event.Choices[0]
	switch {
	case choice.Delta.Content != nil:
		return *choice.Delta.Content
	case choice.Message.Content != nil:
		return *choice.Message.Content
	case choice.Text != nil:
		return *choice.Text
	}
	return ""
}

// readNDJSON consumes Ollama streaming output: one JSON object per line
// until done=true or EOF. An error field aborts the stream.
func (t *HTTPTransport) readNDJSON(r io.Reader, onChunk func(string)) (string, bool, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var acc strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ndjsonChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if msg := upstreamError(chunk.Error); msg != "" {
			return acc.String(), true, &TransportError{Kind: ErrUpstream, URL: t.url, Detail: msg}
		}
		text := chunk.Response
		if chunk.Message != nil && chunk.Message.Content != "" {
			text = chunk.Message.Content
		}
		if text != "" {
			if onChunk != nil {
				onChunk(text)
			}
			acc.WriteString(text)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return acc.String(), true, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}
	return acc.String(), true, nil
}

// readOllamaOnce parses a non-streaming Ollama reply. /api/generate may
// still respond with several NDJSON objects, so every line contributes.
func (t *HTTPTransport) readOllamaOnce(r io.Reader) (string, bool, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", false, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}

	var found, sawJSON bool
	var acc strings.Builder
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var chunk ndjsonChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		sawJSON = true
		if msg := upstreamError(chunk.Error); msg != "" {
			return "", false, &TransportError{Kind: ErrUpstream, URL: t.url, Detail: msg}
		}
		if chunk.Message != nil {
			acc.WriteString(chunk.Message.Content)
			found = true
			continue
		}
		if chunk.Response != "" {
			acc.WriteString(chunk.Response)
			found = true
		}
	}
	if !found {
		if !sawJSON {
			return "", false, &TransportError{Kind: ErrBadResponse, URL: t.url, Detail: excerpt(body)}
		}
		return "", false, nil
	}
	return acc.String(), true, nil
}

// readJSONOnce parses a non-streaming chat/completions reply.
func (t *HTTPTransport) readJSONOnce(r io.Reader) (string, bool, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return "", false, &TransportError{Kind: ErrUnreachable, URL: t.url, Detail: err.Error(), Err: err}
	}

	var parsed struct {
		Choices []sseChoice     `json:"choices"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", false, &TransportError{Kind: ErrBadResponse, URL: t.url, Detail: excerpt(body), Err: err}
	}
	if msg := upstreamError(parsed.Error); msg != "" {
		return "", false, &TransportError{Kind: ErrUpstream, URL: t.url, Detail: msg}
	}
	if len(parsed.Choices) == 0 {
		return "", false, nil
	}
	choice := parsed.Choices[0]
	switch {
	case choice.Message.Content != nil:
		return *choice.Message.Content, true, nil
	case choice.Delta.Content != nil:
		return *choice.Delta.Content, true, nil
	case choice.Text != nil:
		return *choice.Text, true, nil
	}
	return "", false, nil
}

// upstreamError renders an Ollama/OpenAI error field, which may be either a
// bare string or an object with a message.
func upstreamError(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func excerpt(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
