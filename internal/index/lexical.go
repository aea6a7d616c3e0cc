package index

import (
	"sort"

	"github.com/bull/offline-rag/internal/tokens"
)

var defaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from",
	"has", "have", "in", "is", "it", "its", "of", "on", "or", "that", "the",
	"this", "to", "was", "were", "will", "with", "what", "which", "who",
	"how", "do", "does", "did", "i", "you", "we", "they", "me", "my",
}

// Scorer computes the lexical score of a passage for a query.
//
// For each distinct query term q (stopwords dropped unless the query has
// nothing else), a passage earns (1 + tf/(tf+1)) / 2 if q appears tf > 0
// times, else 0. The lexical score is the mean over query terms, so it
// lies in [0,1] and rewards coverage first and repetition second.
type Scorer struct {
	stopwords map[string]struct{}
}

// NewScorer creates a scorer. A nil list uses the built-in English stopwords.
func NewScorer(stopwords []string) *Scorer {
	if stopwords == nil {
		stopwords = defaultStopwords
	}
	set := make(map[string]struct{}, len(stopwords))
	for _, w := range stopwords {
		set[w] = struct{}{}
	}
	return &Scorer{stopwords: set}
}

// QueryTerms returns the sorted distinct scoring terms of a query.
func (s *Scorer) QueryTerms(query string) []string {
	all := tokens.Terms(query)
	seen := make(map[string]struct{}, len(all))
	var kept, every []string
	for _, t := range all {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		every = append(every, t)
		if _, stop := s.stopwords[t]; !stop {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		kept = every
	}
	sort.Strings(kept)
	return kept
}

// TermFrequencies counts the terms of a passage.
func TermFrequencies(text string) map[string]int {
	tf := make(map[string]int)
	for _, t := range tokens.Terms(text) {
		tf[t]++
	}
	return tf
}

// Score returns the lexical score of a passage with term counts tf for
// the given query terms.
func (s *Scorer) Score(queryTerms []string, tf map[string]int) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	var sum float64
	for _, q := range queryTerms {
		n := tf[q]
		if n == 0 {
			continue
		}
		sat := float64(n) / float64(n+1)
		sum += (1 + sat) / 2
	}
	return sum / float64(len(queryTerms))
}
