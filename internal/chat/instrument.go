package chat

import (
	_ "embed"
	"strings"
	"sync"
)

//go:embed instrument_prompt.txt
var instrumentPromptRaw string

var (
	promptOnce sync.Once
	promptText string
)

// InstrumentPrompt returns the stitching instructions attached when an
// instrument result is folded back into the conversation. Loaded once.
func InstrumentPrompt() string {
	promptOnce.Do(func() {
		promptText = strings.TrimSpace(instrumentPromptRaw)
	})
	return promptText
}

// ReloadInstrumentPrompt drops the cached template so the next call re-reads
// it. Tests use this after swapping the source.
func ReloadInstrumentPrompt() {
	promptOnce = sync.Once{}
	promptText = ""
}
