package watch

import "strings"

// Filter matches text against a watchlist's keywords.
type Filter struct {
	keywords   []string
	lower      []string
	containers map[string]bool
}

// NewFilter creates a filter. Matching is case-insensitive. An empty
// containers list accepts every subreddit.
func NewFilter(keywords, containers []string) *Filter {
	f := &Filter{}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		f.keywords = append(f.keywords, kw)
		f.lower = append(f.lower, strings.ToLower(kw))
	}

	if len(containers) > 0 {
		f.containers = make(map[string]bool, len(containers))
		for _, c := range containers {
			c = strings.TrimPrefix(strings.TrimSpace(c), "r/")
			f.containers[strings.ToLower(c)] = true
		}
	}
	return f
}

// Accepts reports whether items from container are watched.
func (f *Filter) Accepts(container string) bool {
	return f.containers == nil || f.containers[strings.ToLower(container)]
}

// Match returns the keywords found in any of texts, in watchlist order, or
// nil when container is not watched.
func (f *Filter) Match(container string, texts ...string) []string {
	if !f.Accepts(container) {
		return nil
	}

	lower := strings.ToLower(strings.Join(texts, "\n"))
	var hits []string
	for i, kw := range f.lower {
		if strings.Contains(lower, kw) {
			hits = append(hits, f.keywords[i])
		}
	}
	return hits
}
