package dedupe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idea Fields

func (i idea) SimilarityFields() Fields { return Fields(i) }

func TestSimilarity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, Similarity("Hello World", "world hello"))
	assert.Less(t, Similarity("Python", "Java"), 0.5)
	assert.Equal(t, 1.0, Similarity("Payments, are HARD!", "hard payments are"))
	assert.InDelta(t, 0.75, Similarity("abcd", "abcx"), 1e-9)
	assert.InDelta(t, 0.6, Similarity("night", "nacht"), 1e-9)

	assert.Zero(t, Similarity("", ""))
	assert.Zero(t, Similarity("words", ""))
	assert.Equal(t, 1.0, Similarity("!!!", "!!!"))
	assert.Zero(t, Similarity("---", "..."))
}

func TestSimilarityProperties(t *testing.T) {
	t.Parallel()

	samples := []string{
		"Stripe for creators",
		"Payments for creators via Stripe",
		"Different idea entirely",
		"naïve café owners",
		"Café owners, naive",
		"2024 tax filing pain",
		"",
		"a",
	}

	for _, a := range samples {
		if a != "" {
			assert.Equal(t, 1.0, Similarity(a, a), a)
		}
		for _, b := range samples {
			s := Similarity(a, b)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
			assert.Equal(t, s, Similarity(b, a), "%q vs %q", a, b)
		}
	}
}

func TestCombinedSimilarity(t *testing.T) {
	t.Parallel()

	a := Fields{Summary: "Stripe for creators", CoreProblem: "Payments are hard", TargetAudience: "Creators"}
	b := Fields{Summary: "Payments for creators via Stripe", CoreProblem: "Payments are hard", TargetAudience: "Creators"}
	assert.Greater(t, CombinedSimilarity(a, b), 0.8)
	assert.Equal(t, CombinedSimilarity(a, b), CombinedSimilarity(b, a))
	assert.Equal(t, 1.0, CombinedSimilarity(a, a))

	t.Run("fields empty on both sides are ignored", func(t *testing.T) {
		x := Fields{Summary: "abcd"}
		y := Fields{Summary: "abcd"}
		assert.Equal(t, 1.0, CombinedSimilarity(x, y))
	})

	t.Run("field empty on one side counts as zero", func(t *testing.T) {
		x := Fields{Summary: "abcd", TargetAudience: "devs"}
		y := Fields{Summary: "abcd"}
		assert.InDelta(t, 0.4/0.6, CombinedSimilarity(x, y), 1e-9)
	})

	t.Run("nothing comparable", func(t *testing.T) {
		assert.Zero(t, CombinedSimilarity(Fields{}, Fields{}))
		assert.Zero(t, CombinedSimilarity(Fields{Summary: "  "}, Fields{CoreProblem: "\t"}))
	})
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	entries := []Entry[idea]{
		{Key: "p1", Record: idea{Summary: "Stripe for creators", CoreProblem: "Payments are hard", TargetAudience: "Creators"}},
		{Key: "p2", Record: idea{Summary: "Payments for creators", CoreProblem: "Payments are difficult", TargetAudience: "Creators"}},
		{Key: "p3", Record: idea{Summary: "Different idea entirely", CoreProblem: "Different pain", TargetAudience: "Different user"}},
	}

	clusters := Dedupe(entries, 0.7)
	require.Len(t, clusters, 2)
	assert.Equal(t, "p1", clusters[0].Key)
	assert.Equal(t, []string{"p2"}, clusters[0].Duplicates)
	assert.Equal(t, "Stripe for creators", clusters[0].Representative.Summary)
	assert.Equal(t, "p3", clusters[1].Key)
	assert.Empty(t, clusters[1].Duplicates)
}

func TestDedupeEdges(t *testing.T) {
	t.Parallel()

	summary := func(key, s string) Entry[idea] {
		return Entry[idea]{Key: key, Record: idea{Summary: s}}
	}

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Dedupe([]Entry[idea]{}, 0.5))
	})

	t.Run("threshold is exclusive", func(t *testing.T) {
		clusters := Dedupe([]Entry[idea]{summary("a", "abcd"), summary("b", "abcx")}, 0.75)
		assert.Len(t, clusters, 2)
	})

	t.Run("not transitive", func(t *testing.T) {
		// a~b and b~c, but a and c are not alike.
		a, b, c := summary("a", "abcd"), summary("b", "abcx"), summary("c", "abxy")

		clusters := Dedupe([]Entry[idea]{a, b, c}, 0.6)
		require.Len(t, clusters, 2)
		assert.Equal(t, []string{"b"}, clusters[0].Duplicates)
		assert.Equal(t, "c", clusters[1].Key)

		clusters = Dedupe([]Entry[idea]{b, a, c}, 0.6)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"a", "c"}, clusters[0].Duplicates)
	})

	t.Run("every key appears once", func(t *testing.T) {
		entries := []Entry[idea]{
			summary("1", "same words"), summary("2", "words same"), summary("3", "other"),
			summary("4", "same words"), summary("5", "other thing"),
		}
		seen := map[string]int{}
		for _, c := range Dedupe(entries, 0.8) {
			seen[c.Key]++
			for _, d := range c.Duplicates {
				seen[d]++
			}
		}
		assert.Equal(t, map[string]int{"1": 1, "2": 1, "3": 1, "4": 1, "5": 1}, seen)
	})

	t.Run("threshold zero absorbs anything comparable", func(t *testing.T) {
		clusters := Dedupe([]Entry[idea]{summary("a", "abc"), summary("b", "xyz")}, 0)
		// Similarity is exactly zero, which is not above the threshold.
		assert.Len(t, clusters, 2)
	})
}
