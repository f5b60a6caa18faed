package dedupe

// Record is anything that exposes the fields compared for duplicates.
type Record interface {
	SimilarityFields() Fields
}

// Entry pairs a record with the key that identifies it.
type Entry[T Record] struct {
	Key    string
	Record T
}

// Cluster is a representative and the keys of the entries it absorbed.
type Cluster[T Record] struct {
	Key            string
	Representative T
	Duplicates     []string
}

// Dedupe groups entries in a single greedy pass. Walking entries in order,
// each entry not yet absorbed becomes a representative and absorbs every
// later unabsorbed entry whose combined similarity to it is strictly above
// threshold. Grouping is not transitive: an entry is only compared with
// representatives, never with other duplicates.
func Dedupe[T Record](entries []Entry[T], threshold float64) []Cluster[T] {
	fields := make([]Fields, len(entries))
	for i, e := range entries {
		fields[i] = e.Record.SimilarityFields()
	}

	absorbed := make([]bool, len(entries))
	var clusters []Cluster[T]
	for i, e := range entries {
		if absorbed[i] {
			continue
		}
		c := Cluster[T]{Key: e.Key, Representative: e.Record}
		for j := i + 1; j < len(entries); j++ {
			if absorbed[j] {
				continue
			}
			if CombinedSimilarity(fields[i], fields[j]) > threshold {
				absorbed[j] = true
				c.Duplicates = append(c.Duplicates, entries[j].Key)
			}
		}
		clusters = append(clusters, c)
	}
	return clusters
}
