package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/noctics/central/internal/llm"
)

// The store is a stateless set of functions over the session tree. There is
// no in-memory cache: every call re-reads the filesystem, so concurrent
// readers see, at worst, an older consistent snapshot.

// titleSkipMarkers prefix user messages that must never become a title.
var titleSkipMarkers = []string{"[helper result]", "[instrument result]"}

// ComputeTitleFromMessages derives a short title from the first meaningful
// user message: whitespace is normalised, then the title is cut to the first
// eight tokens and 80 characters. Returns "" when nothing qualifies.
func ComputeTitleFromMessages(messages []llm.Message) string {
	var source string
	for _, msg := range messages {
		if msg.Role != llm.RoleUser {
			continue
		}
		lowered := strings.ToLower(strings.TrimSpace(msg.Content))
		skip := false
		for _, marker := range titleSkipMarkers {
			if strings.HasPrefix(lowered, marker) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		source = msg.Content
		break
	}

	words := strings.Fields(source)
	if len(words) == 0 {
		return ""
	}
	if len(words) > 8 {
		words = words[:8]
	}
	title := strings.Join(words, " ")
	// The cap counts characters, not bytes, so a multi-byte rune is never
	// split in half.
	if runes := []rune(title); len(runes) > 80 {
		title = string(runes[:80])
	}
	return title
}

func metaPathFor(logPath string) string {
	return strings.TrimSuffix(logPath, filepath.Ext(logPath)) + metaSuffix
}

func stemOf(logPath string) string {
	base := filepath.Base(logPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// sessionFilesForDay maps stem -> path for one day directory. JSON files win
// over legacy JSONL with the same stem; sidecars are skipped.
func sessionFilesForDay(dayDir string) map[string]string {
	files := map[string]string{}
	for _, pattern := range []string{"session-*.json", "session-*.jsonl"} {
		matches, _ := filepath.Glob(filepath.Join(dayDir, pattern))
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
		for _, path := range matches {
			if strings.HasSuffix(path, metaSuffix) {
				continue
			}
			stem := stemOf(path)
			if _, seen := files[stem]; !seen {
				files[stem] = path
			}
		}
	}
	return files
}

// List returns session metadata for every session under root, newest first.
// Missing sidecars are synthesised; individual parse failures never abort
// the enumeration.
func List(root string) []Meta {
	var items []Meta
	entries, err := os.ReadDir(root)
	if err != nil {
		return items
	}

	var dayDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dayDirs = append(dayDirs, filepath.Join(root, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dayDirs)))

	for _, dayDir := range dayDirs {
		for _, path := range sortedValues(sessionFilesForDay(dayDir)) {
			items = append(items, LoadMeta(path))
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return metaSortKey(items[i]).after(metaSortKey(items[j]))
	})
	return items
}

func sortedValues(files map[string]string) []string {
	values := make([]string, 0, len(files))
	for _, path := range files {
		values = append(values, path)
	}
	sort.Strings(values)
	return values
}

// metaSortKey orders by updated timestamp; equal stamps (they have
// one-second resolution) fall back to file mtime. A missing or unparseable
// stamp uses the mtime outright.
type metaKey struct {
	updated int64
	mtime   int64
}

func (k metaKey) after(other metaKey) bool {
	if k.updated != other.updated {
		return k.updated > other.updated
	}
	return k.mtime > other.mtime
}

func metaSortKey(meta Meta) metaKey {
	var key metaKey
	if info, err := os.Stat(meta.Path); err == nil {
		key.mtime = info.ModTime().UnixNano()
	}
	key.updated = key.mtime / int64(time.Second)
	if meta.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, meta.Updated); err == nil {
			key.updated = ts.Unix()
		}
	}
	return key
}

// LoadMeta reads a session's sidecar, synthesising minimal metadata when the
// sidecar is missing or unreadable.
func LoadMeta(logPath string) Meta {
	meta := Meta{}
	havesidecar := false
	if data, err := os.ReadFile(metaPathFor(logPath)); err == nil {
		if err := json.Unmarshal(data, &meta); err == nil {
			havesidecar = true
		} else {
			meta = Meta{}
		}
	}

	if meta.ID == "" {
		meta.ID = stemOf(logPath)
	}
	if meta.Path == "" {
		meta.Path = logPath
	}
	if meta.FileName == "" {
		meta.FileName = filepath.Base(logPath)
	}
	if meta.DisplayName == "" {
		meta.DisplayName = DisplayName(stemOf(logPath))
	}
	if meta.Turns == 0 {
		meta.Turns = len(loadRecords(logPath))
	}
	if !havesidecar {
		records := loadRecords(logPath)
		if len(records) > 0 {
			if title := ComputeTitleFromMessages(records[0].Messages); title != "" {
				meta.Title = &title
			}
		}
	}
	return meta
}

// Resolve maps an identifier to a session file path. An existing filesystem
// path resolves to itself; otherwise day directories are searched, newest
// first, for a stem equal to or ending with the identifier.
func Resolve(identifier, root string) (string, bool) {
	if _, err := os.Stat(identifier); err == nil {
		return identifier, true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	var dayDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dayDirs = append(dayDirs, filepath.Join(root, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dayDirs)))

	for _, dayDir := range dayDirs {
		for _, path := range sortedValues(sessionFilesForDay(dayDir)) {
			stem := stemOf(path)
			if stem == identifier || strings.HasSuffix(stem, identifier) {
				return path, true
			}
		}
	}
	return "", false
}

// loadRecords reads a session file as a JSON array or JSONL. Unparseable
// records are dropped; a missing file yields nil.
func loadRecords(logPath string) []Record {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil
	}
	records, _ := parseRecords(logPath, data)
	return records
}

// parseRecords decodes session file content. ok is false when the file holds
// content none of which could be decoded; callers must not treat such a file
// as an empty session.
func parseRecords(logPath string, data []byte) (records []Record, ok bool) {
	if strings.HasSuffix(logPath, ".jsonl") {
		sawLine := false
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			sawLine = true
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		return records, len(records) > 0 || !sawLine
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, true
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false
	}
	return records, true
}

// LoadMessages reconstructs the ordered conversation from a session file:
// the first system message once, then every user/assistant pair in record
// order. A missing file yields an empty list, not an error.
func LoadMessages(logPath string) []llm.Message {
	var messages []llm.Message
	systemSet := false
	for _, rec := range loadRecords(logPath) {
		if !systemSet {
			for _, msg := range rec.Messages {
				if msg.Role == llm.RoleSystem {
					messages = append(messages, msg)
					systemSet = true
					break
				}
			}
		}
		for _, msg := range rec.Messages {
			if msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

// SetTitle updates (or synthesises) the sidecar with a new title. The
// session file itself is never touched. An empty title clears it.
func SetTitle(logPath, title string, custom bool) error {
	meta := LoadMeta(logPath)
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		meta.Title = nil
	} else {
		meta.Title = &trimmed
	}
	meta.Custom = custom
	meta.Updated = nowStamp()
	return writeMeta(metaPathFor(logPath), meta)
}

func writeMeta(path string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func writeRecords(path string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// groupPairs splits messages into consecutive (user, assistant) pairs,
// dropping unpaired tails and system messages.
func groupPairs(messages []llm.Message) [][2]llm.Message {
	var pairs [][2]llm.Message
	var pending *llm.Message
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			m := msg
			pending = &m
		case llm.RoleAssistant:
			if pending != nil {
				pairs = append(pairs, [2]llm.Message{*pending, msg})
				pending = nil
			}
		}
	}
	return pairs
}

// Merge concatenates sessions, in argument order, into a new merged session
// under root. The first system preamble found is carried once; messages are
// regrouped into turns with renumbered meta. When title is empty one is
// derived from up to three source titles.
func Merge(paths []string, title, root string) (string, error) {
	var combined []llm.Message
	var sourceIDs []string
	systemSet := false

	for _, path := range paths {
		sourceIDs = append(sourceIDs, stemOf(path))
		msgs := LoadMessages(path)
		if len(msgs) == 0 {
			continue
		}
		if !systemSet {
			for _, msg := range msgs {
				if msg.Role == llm.RoleSystem {
					combined = append(combined, msg)
					systemSet = true
					break
				}
			}
		}
		for _, msg := range msgs {
			if msg.Role == llm.RoleUser || msg.Role == llm.RoleAssistant {
				combined = append(combined, msg)
			}
		}
	}

	now := time.Now().UTC()
	dateDir := filepath.Join(root, "merged-"+now.Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", err
	}
	stem := "session-merged-" + now.Format(stampLayout)
	outLog := filepath.Join(dateDir, stem+".json")

	var sysMsg *llm.Message
	if systemSet {
		for _, msg := range combined {
			if msg.Role == llm.RoleSystem {
				m := msg
				sysMsg = &m
				break
			}
		}
	}

	var records []Record
	for i, pair := range groupPairs(combined) {
		var msgs []llm.Message
		if sysMsg != nil {
			msgs = append(msgs, *sysMsg)
		}
		msgs = append(msgs, pair[0], pair[1])
		records = append(records, Record{
			Messages: msgs,
			Meta: RecordMeta{
				Model:       "merged",
				Turn:        i + 1,
				TS:          nowStamp(),
				FileName:    stem + ".json",
				DisplayName: DisplayName(stem),
			},
		})
	}
	if err := writeRecords(outLog, records); err != nil {
		return "", err
	}

	if title == "" {
		var parts []string
		for _, path := range paths {
			m := LoadMeta(path)
			part := m.TitleOrEmpty()
			if part == "" {
				part = stemOf(path)
			}
			parts = append(parts, part)
		}
		if len(parts) > 3 {
			parts = parts[:3]
		}
		title = "Merged: " + strings.Join(parts, " | ")
	}

	now2 := nowStamp()
	meta := Meta{
		ID:          stem,
		Path:        outLog,
		Model:       "merged",
		Turns:       len(records),
		Created:     now2,
		Updated:     now2,
		Title:       &title,
		FileName:    stem + ".json",
		DisplayName: DisplayName(stem),
		Sources:     sourceIDs,
	}
	if err := writeMeta(metaPathFor(outLog), meta); err != nil {
		return "", err
	}
	return outLog, nil
}

// ArchiveEarly merges every session except the newest into archiveRoot.
// Returns "" when there is nothing to archive (fewer than two sessions).
// With deleteSources set, the source files, sidecars and emptied day
// directories are removed afterwards.
func ArchiveEarly(root, archiveRoot string, deleteSources bool) (string, error) {
	infos := List(root)
	if len(infos) <= 1 {
		return "", nil
	}

	latest := infos[0]
	var paths []string
	for _, info := range infos[1:] {
		if info.Path == "" {
			continue
		}
		if _, err := os.Stat(info.Path); err == nil {
			paths = append(paths, info.Path)
		}
	}
	if len(paths) == 0 {
		return "", nil
	}

	latestDisplay := latest.DisplayName
	if latestDisplay == "" {
		latestDisplay = DisplayName(latest.ID)
	}
	mergedPath, err := Merge(paths, "Early archive (before "+latestDisplay+")", archiveRoot)
	if err != nil {
		return "", err
	}

	stamp := time.Now().UTC().Format(stampLayout)
	archiveStem := "session-early-archive-" + stamp
	archiveLog := filepath.Join(filepath.Dir(mergedPath), archiveStem+".json")
	if err := os.Rename(mergedPath, archiveLog); err != nil {
		return "", err
	}
	archiveMetaPath := filepath.Join(filepath.Dir(mergedPath), archiveStem+metaSuffix)
	if err := os.Rename(metaPathFor(mergedPath), archiveMetaPath); err != nil && !os.IsNotExist(err) {
		return "", err
	}

	meta := LoadMeta(archiveLog)
	meta.ID = archiveStem
	meta.Path = archiveLog
	meta.FileName = archiveStem + ".json"
	meta.DisplayName = DisplayName(archiveStem)
	meta.Archive = &ArchiveInfo{
		Type:                      "early",
		LatestExcludedID:          latest.ID,
		LatestExcludedDisplayName: latestDisplay,
		SourceCount:               len(paths),
		Generated:                 nowStamp(),
	}
	var sources []string
	for _, path := range paths {
		sources = append(sources, stemOf(path))
	}
	meta.Sources = sources
	if err := writeMeta(archiveMetaPath, meta); err != nil {
		return "", err
	}

	if deleteSources {
		deleteSourceSessions(paths, root, archiveRoot)
	}
	return archiveLog, nil
}

func deleteSourceSessions(paths []string, root, archiveRoot string) {
	for _, path := range paths {
		os.Remove(path)
		os.Remove(metaPathFor(path))
		parent := filepath.Dir(path)
		if parent != root && parent != archiveRoot {
			os.Remove(parent) // only succeeds when empty
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			os.Remove(filepath.Join(root, entry.Name()))
		}
	}
}

// DeleteIfEmpty removes a session that never recorded a user or assistant
// turn: the file, its sidecar and, when emptied, its date directory.
func DeleteIfEmpty(logPath string) bool {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return false
	}
	records, ok := parseRecords(logPath, data)
	if !ok {
		// Undecodable content is not known to be empty; leave it alone.
		return false
	}
	for _, rec := range records {
		if rec.hasTurn() {
			return false
		}
	}
	os.Remove(logPath)
	os.Remove(metaPathFor(logPath))
	os.Remove(filepath.Dir(logPath)) // only succeeds when empty
	return true
}

// AppendToDayLog merges the session into its date directory's day.json,
// replacing any existing entry with the same id. Returns the day log path.
func AppendToDayLog(logPath string, meta Meta) (string, error) {
	dayPath := filepath.Join(filepath.Dir(logPath), "day.json")

	var entries []DayEntry
	if data, err := os.ReadFile(dayPath); err == nil {
		// A corrupt day log starts over rather than aborting shutdown.
		_ = json.Unmarshal(data, &entries)
	}

	entry := DayEntry{
		ID:      stemOf(logPath),
		Title:   meta.Title,
		Custom:  meta.Custom,
		Path:    logPath,
		Records: loadRecords(logPath),
		Meta:    meta,
	}

	replaced := false
	for i := range entries {
		if entries[i].ID == entry.ID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dayPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write day log: %w", err)
	}
	return dayPath, nil
}

// Iter filters List(root) by a needle matched against id, title, display
// name or raw file content. An empty needle yields everything.
func Iter(search, root string) []Meta {
	needle := strings.ToLower(strings.TrimSpace(search))
	infos := List(root)
	if needle == "" {
		return infos
	}
	var matched []Meta
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.ID), needle) ||
			strings.Contains(strings.ToLower(info.TitleOrEmpty()), needle) ||
			strings.Contains(strings.ToLower(info.DisplayName), needle) {
			matched = append(matched, info)
			continue
		}
		if data, err := os.ReadFile(info.Path); err == nil &&
			strings.Contains(strings.ToLower(string(data)), needle) {
			matched = append(matched, info)
		}
	}
	return matched
}
