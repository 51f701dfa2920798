// Package session persists conversations as durable on-disk archives.
//
// A session lives at memory/sessions/<YYYY-MM-DD>/session-<ts>.json as a
// pretty-printed JSON array of per-turn records, with a .meta.json sidecar
// describing it. Legacy .jsonl files (one record per line) stay readable;
// new files are always JSON arrays.
package session

import (
	"strings"
	"time"

	"github.com/noctics/central/internal/llm"
)

// Default locations, relative to the working directory.
const (
	DefaultRoot        = "memory/sessions"
	DefaultArchiveRoot = "memory/early-archives"
)

const (
	stampLayout = "20060102-150405"
	metaSuffix  = ".meta.json"
)

// RecordMeta annotates one persisted turn.
type RecordMeta struct {
	Model       string `json:"model"`
	Sanitized   bool   `json:"sanitized"`
	Turn        int    `json:"turn"`
	TS          string `json:"ts"`
	FileName    string `json:"file_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Record is one turn as persisted: an optional system preamble plus the
// user/assistant pair, with metadata.
type Record struct {
	Messages []llm.Message `json:"messages"`
	Meta     RecordMeta    `json:"meta"`
}

// ArchiveInfo marks a merged early archive.
type ArchiveInfo struct {
	Type                      string `json:"type"`
	LatestExcludedID          string `json:"latest_excluded_id"`
	LatestExcludedDisplayName string `json:"latest_excluded_display_name"`
	SourceCount               int    `json:"source_count"`
	Generated                 string `json:"generated"`
}

// Meta is the sidecar accompanying each session file.
type Meta struct {
	ID          string       `json:"id"`
	Path        string       `json:"path"`
	Model       string       `json:"model,omitempty"`
	Sanitized   bool         `json:"sanitized"`
	Turns       int          `json:"turns"`
	Created     string       `json:"created,omitempty"`
	Updated     string       `json:"updated,omitempty"`
	Title       *string      `json:"title"`
	Custom      bool         `json:"custom"`
	FileName    string       `json:"file_name"`
	DisplayName string       `json:"display_name"`
	Sources     []string     `json:"sources,omitempty"`
	Archive     *ArchiveInfo `json:"archive,omitempty"`
}

// TitleOrEmpty returns the title, or "" when unset.
func (m *Meta) TitleOrEmpty() string {
	if m.Title == nil {
		return ""
	}
	return *m.Title
}

// DayEntry is one session's aggregate in the per-date day.json log.
type DayEntry struct {
	ID      string   `json:"id"`
	Title   *string  `json:"title"`
	Custom  bool     `json:"custom"`
	Path    string   `json:"path"`
	Records []Record `json:"records"`
	Meta    Meta     `json:"meta"`
}

// nowStamp returns the current UTC time formatted as RFC3339 with a Z.
func nowStamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// DisplayName renders a human label for a session stem. Timestamped stems
// become "Session 2025-09-13 12:34:56 UTC" (or "Merged session ..."); other
// stems are title-cased with dashes replaced by spaces.
func DisplayName(stem string) string {
	label := ""
	switch {
	case strings.HasPrefix(stem, "session-merged-"):
		label = "Merged session"
	case strings.HasPrefix(stem, "session-"):
		label = "Session"
	}
	if label != "" && len(stem) >= len(stampLayout) {
		candidate := stem[len(stem)-len(stampLayout):]
		if ts, err := time.Parse(stampLayout, candidate); err == nil {
			return label + " " + ts.Format("2006-01-02 15:04:05") + " UTC"
		}
	}
	words := strings.Split(strings.ReplaceAll(stem, "-", " "), " ")
	for i, word := range words {
		if word == "" {
			continue
		}
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// hasTurn reports whether a record carries a user or assistant message.
func (r Record) hasTurn() bool {
	for _, msg := range r.Messages {
		if msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant {
			return true
		}
	}
	return false
}
