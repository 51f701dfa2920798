package chat

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// RuntimeCandidate is one rung of the fallback ladder.
type RuntimeCandidate struct {
	URL    string
	Model  string
	APIKey string
	Source string // "configured", "fallback #N", "local fallback"
}

// BuildCandidates assembles the ordered runtime ladder: the configured
// primary, then CENTRAL_LLM_FALLBACK_URLS/_MODELS/_API_KEYS (comma lists,
// zipped by position), then CENTRAL_LOCAL_LLM_URL. Candidates whose URL
// repeats an earlier one are dropped.
func BuildCandidates(url, model, apiKey string) []RuntimeCandidate {
	var out []RuntimeCandidate
	seen := map[string]bool{}
	add := func(c RuntimeCandidate) {
		key := normalizeURL(c.URL)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}

	add(RuntimeCandidate{URL: url, Model: model, APIKey: apiKey, Source: "configured"})

	urls := splitCSV(os.Getenv("CENTRAL_LLM_FALLBACK_URLS"))
	models := splitCSV(os.Getenv("CENTRAL_LLM_FALLBACK_MODELS"))
	keys := splitCSV(os.Getenv("CENTRAL_LLM_FALLBACK_API_KEYS"))
	for i, u := range urls {
		c := RuntimeCandidate{URL: u, Model: model, Source: fmt.Sprintf("fallback #%d", i+1)}
		if i < len(models) && models[i] != "" {
			c.Model = models[i]
		}
		if i < len(keys) {
			c.APIKey = keys[i]
		}
		add(c)
	}

	if local := strings.TrimSpace(os.Getenv("CENTRAL_LOCAL_LLM_URL")); local != "" {
		localModel := strings.TrimSpace(os.Getenv("CENTRAL_LOCAL_LLM_MODEL"))
		if localModel == "" {
			localModel = model
		}
		add(RuntimeCandidate{URL: local, Model: localModel, Source: "local fallback"})
	}
	return out
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

// Connect walks the ladder, probing each candidate and keeping the first one
// that answers. A candidate that fails its probe has its freshly opened
// (necessarily empty) session removed before the next rung is tried. Returns
// the connected client, the winning candidate, and the last probe error when
// every rung fails.
func Connect(base Config, candidates []RuntimeCandidate, timeout time.Duration) (*Client, RuntimeCandidate, error) {
	var lastErr error
	for _, cand := range candidates {
		cfg := base
		cfg.URL = cand.URL
		cfg.Model = cand.Model
		cfg.APIKey = cand.APIKey

		client, err := NewClient(cfg)
		if err != nil {
			lastErr = err
			continue
		}
		if err := client.CheckConnectivity(timeout); err != nil {
			client.MaybeDeleteEmptySession()
			lastErr = err
			continue
		}
		return client, cand, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no runtime candidates configured")
	}
	return nil, RuntimeCandidate{}, lastErr
}
