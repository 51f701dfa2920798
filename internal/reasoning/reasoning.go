// Package reasoning removes hidden chain-of-thought spans from model output.
//
// Local models emit their reasoning between <think> and </think> tags. None
// of that text may ever reach the terminal or the session log, whether the
// reply arrives as a single string or as a stream of arbitrary chunks.
package reasoning

import (
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?is)<think>.*?</think>\s*`)

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// scaffoldMarkers are chat-template sentinels some runtimes leak into the
// final reply. They are stripped once on finalised text.
var scaffoldMarkers = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
}

// StripChainOfThought removes every complete <think>...</think> span,
// including trailing whitespace after the closing tag, and trims the result.
func StripChainOfThought(text string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(text, ""))
}

// ExtractPublicSegments scans buffer and returns the text outside
// <think>...</think> spans plus the unconsumed remainder.
//
// When an opening tag has no matching close yet, the scan stops: public holds
// everything before the tag and remainder holds everything from the tag
// onward, so callers can carry it into the next chunk.
func ExtractPublicSegments(buffer string) (public, remainder string) {
	lower := asciiLower(buffer)
	var parts strings.Builder
	pos := 0
	for pos < len(buffer) {
		openIdx := strings.Index(lower[pos:], openTag)
		if openIdx == -1 {
			parts.WriteString(buffer[pos:])
			return parts.String(), ""
		}
		openIdx += pos
		parts.WriteString(buffer[pos:openIdx])
		closeIdx := strings.Index(lower[openIdx+len(openTag):], closeTag)
		if closeIdx == -1 {
			return parts.String(), buffer[openIdx:]
		}
		pos = openIdx + len(openTag) + closeIdx + len(closeTag)
	}
	return parts.String(), ""
}

// CleanPublicReply strips scaffolding markers from a finalised reply and
// trims surrounding whitespace. Think blocks must already be removed.
func CleanPublicReply(text string) string {
	for _, marker := range scaffoldMarkers {
		text = strings.ReplaceAll(text, marker, "")
	}
	return strings.TrimSpace(text)
}

// StreamFilter incrementally suppresses think blocks on a chunked stream.
// Feed returns only the newly visible public text for each chunk; text held
// back behind an unclosed, or only partially received, <think> tag stays
// buffered until the tag closes.
//
// Flush reconciles against the fully stripped reply so the emitted stream
// always ends up equal to StripChainOfThought over the whole text.
type StreamFilter struct {
	raw    string
	public string
}

// Feed appends a raw chunk and returns the public delta it unlocked.
func (f *StreamFilter) Feed(chunk string) string {
	f.raw += chunk
	_, remainder := ExtractPublicSegments(f.raw)
	consumed := f.raw[:len(f.raw)-len(remainder)]
	consumed = consumed[:len(consumed)-partialOpenLen(consumed)]
	stripped := StripChainOfThought(consumed)
	if len(stripped) > len(f.public) {
		delta := stripped[len(f.public):]
		f.public = stripped
		return delta
	}
	return ""
}

// partialOpenLen reports how many trailing bytes of s could be the start of
// an opening tag split across chunk boundaries.
func partialOpenLen(s string) int {
	lower := asciiLower(s)
	longest := len(openTag) - 1
	if len(lower) < longest {
		longest = len(lower)
	}
	for n := longest; n > 0; n-- {
		if lower[len(lower)-n:] == openTag[:n] {
			return n
		}
	}
	return 0
}

// asciiLower folds only ASCII letters. Unlike strings.ToLower it never
// changes byte length, so offsets found in the result index the input too.
// The tags being matched are plain ASCII.
func asciiLower(s string) string {
	var folded []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			continue
		}
		if folded == nil {
			folded = []byte(s)
		}
		folded[i] = c + ('a' - 'A')
	}
	if folded == nil {
		return s
	}
	return string(folded)
}

// Public returns everything emitted so far.
func (f *StreamFilter) Public() string {
	return f.public
}

// Flush returns whatever part of the final cleaned text has not been emitted
// yet. final must be the fully stripped reply.
func (f *StreamFilter) Flush(final string) string {
	if len(final) > len(f.public) {
		delta := final[len(f.public):]
		f.public = final
		return delta
	}
	return ""
}
