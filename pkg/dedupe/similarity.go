// Package dedupe scores how alike two derived records are and collapses
// near-duplicates into clusters.
package dedupe

import (
	"sort"
	"strings"
	"unicode"
)

// Field weights used by CombinedSimilarity.
const (
	SummaryWeight        = 0.4
	CoreProblemWeight    = 0.4
	TargetAudienceWeight = 0.2
)

// Fields are the text fields compared between two records.
type Fields struct {
	Summary        string
	CoreProblem    string
	TargetAudience string
}

// Similarity returns a score in [0,1] for two strings, ignoring case, word
// order and punctuation. Identical non-empty strings score 1.
func Similarity(a, b string) float64 {
	ta, tb := sortedTokens(a), sortedTokens(b)
	if ta == "" && tb == "" {
		// Nothing but punctuation on either side.
		x := strings.ToLower(strings.TrimSpace(a))
		if x != "" && x == strings.ToLower(strings.TrimSpace(b)) {
			return 1
		}
		return 0
	}
	return ratio([]rune(ta), []rune(tb))
}

// CombinedSimilarity is the weighted mean of the per-field similarities.
// A field that is empty on both sides is left out of the mean; if every
// field is, the records are not comparable and score 0.
func CombinedSimilarity(a, b Fields) float64 {
	pairs := []struct {
		x, y   string
		weight float64
	}{
		{a.Summary, b.Summary, SummaryWeight},
		{a.CoreProblem, b.CoreProblem, CoreProblemWeight},
		{a.TargetAudience, b.TargetAudience, TargetAudienceWeight},
	}

	var total, weights float64
	for _, p := range pairs {
		if strings.TrimSpace(p.x) == "" && strings.TrimSpace(p.y) == "" {
			continue
		}
		total += p.weight * Similarity(p.x, p.y)
		weights += p.weight
	}
	if weights == 0 {
		return 0
	}
	return total / weights
}

// sortedTokens lowercases s, splits it on anything that is not a letter or
// digit, and rejoins the sorted words with single spaces.
func sortedTokens(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	sort.Strings(words)
	return strings.Join(words, " ")
}

// ratio is 2*LCS(a,b) / (len(a)+len(b)).
func ratio(a, b []rune) float64 {
	n := len(a) + len(b)
	if n == 0 {
		return 0
	}
	return 2 * float64(lcs(a, b)) / float64(n)
}

// lcs returns the length of the longest common subsequence using two rows.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
