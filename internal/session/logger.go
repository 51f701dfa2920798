package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/noctics/central/internal/llm"
)

// Logger is a per-client append-only session writer. Each chat client owns
// exactly one Logger, which in turn owns its session file and sidecar.
// Not safe for concurrent use.
type Logger struct {
	Model     string
	Sanitized bool
	Dir       string // session root, DefaultRoot when empty

	file     string
	metaFile string
	records  []Record
	turn     int
	title    *string
	custom   bool
	created  string
}

// NewLogger builds a logger that will write under dir (DefaultRoot if "").
func NewLogger(model string, sanitized bool, dir string) *Logger {
	if dir == "" {
		dir = DefaultRoot
	}
	return &Logger{Model: model, Sanitized: sanitized, Dir: dir}
}

// Start creates the dated directory, an empty JSON-array session file and an
// initial sidecar with zero turns.
func (l *Logger) Start() error {
	now := time.Now().UTC()
	dayDir := filepath.Join(l.Dir, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	// Stamps have one-second resolution; bump until the stem is free.
	for {
		stem := "session-" + now.Format(stampLayout)
		l.file = filepath.Join(dayDir, stem+".json")
		l.metaFile = filepath.Join(dayDir, stem+metaSuffix)
		if _, err := os.Stat(l.file); os.IsNotExist(err) {
			break
		}
		now = now.Add(time.Second)
	}
	l.records = nil
	l.turn = 0
	l.created = nowStamp()

	if err := writeRecords(l.file, nil); err != nil {
		return fmt.Errorf("init session file: %w", err)
	}
	return l.writeMeta()
}

// LogTurn appends one record built from the given messages and rewrites the
// session file and sidecar. Sessions are small, so a full re-serialisation
// per turn is fine.
func (l *Logger) LogTurn(messages []llm.Message) error {
	if l.file == "" {
		if err := l.Start(); err != nil {
			return err
		}
	}
	l.turn++
	stem := stemOf(l.file)
	l.records = append(l.records, Record{
		Messages: messages,
		Meta: RecordMeta{
			Model:       l.Model,
			Sanitized:   l.Sanitized,
			Turn:        l.turn,
			TS:          nowStamp(),
			FileName:    filepath.Base(l.file),
			DisplayName: DisplayName(stem),
		},
	})
	if err := writeRecords(l.file, l.records); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return l.writeMeta()
}

// SetTitle updates the in-memory title and rewrites the sidecar. Title
// inference never demotes an operator-set title: when the stored sidecar has
// custom=true and the same title arrives with custom=false, custom stays.
func (l *Logger) SetTitle(title string, custom bool) error {
	trimmed := strings.TrimSpace(title)
	stored := l.diskMeta()
	if stored != nil && stored.Custom && !custom &&
		stored.Title != nil && *stored.Title == trimmed {
		custom = true
	}
	if trimmed == "" {
		l.title = nil
	} else {
		l.title = &trimmed
	}
	l.custom = custom
	return l.writeMeta()
}

// Title returns the current title, or "".
func (l *Logger) Title() string {
	if l.title == nil {
		return ""
	}
	return *l.title
}

// GetMeta returns the sidecar content, preferring the on-disk version.
func (l *Logger) GetMeta() Meta {
	if stored := l.diskMeta(); stored != nil {
		return *stored
	}
	return l.buildMeta()
}

// LoadExisting rebinds the logger to an existing session file so later
// LogTurn calls continue it.
func (l *Logger) LoadExisting(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("adopt session: %w", err)
	}
	l.file = path
	l.metaFile = metaPathFor(path)
	l.records = loadRecords(path)
	l.turn = len(l.records)

	if stored := l.diskMeta(); stored != nil {
		l.title = stored.Title
		l.custom = stored.Custom
		l.created = stored.Created
		if stored.Turns > l.turn {
			l.turn = stored.Turns
		}
	}
	return nil
}

// LogPath returns the session file path, or "" before Start.
func (l *Logger) LogPath() string { return l.file }

// MetaPath returns the sidecar path, or "" before Start.
func (l *Logger) MetaPath() string { return l.metaFile }

func (l *Logger) diskMeta() *Meta {
	if l.metaFile == "" {
		return nil
	}
	data, err := os.ReadFile(l.metaFile)
	if err != nil {
		return nil
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

func (l *Logger) buildMeta() Meta {
	stem := ""
	if l.file != "" {
		stem = stemOf(l.file)
	}
	created := l.created
	if created == "" {
		created = nowStamp()
	}
	return Meta{
		ID:          stem,
		Path:        l.file,
		Model:       l.Model,
		Sanitized:   l.Sanitized,
		Turns:       l.turn,
		Created:     created,
		Updated:     nowStamp(),
		Title:       l.title,
		Custom:      l.custom,
		FileName:    filepath.Base(l.file),
		DisplayName: DisplayName(stem),
	}
}

func (l *Logger) writeMeta() error {
	if l.file == "" {
		return nil
	}
	if l.metaFile == "" {
		l.metaFile = metaPathFor(l.file)
	}
	// Preserve created (and a title set by another writer) from disk.
	if stored := l.diskMeta(); stored != nil {
		if stored.Created != "" {
			l.created = stored.Created
		}
		if l.title == nil && stored.Title != nil {
			l.title = stored.Title
			l.custom = stored.Custom
		}
	}
	return writeMeta(l.metaFile, l.buildMeta())
}
