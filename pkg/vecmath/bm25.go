package vecmath

import "math"

// Default BM25 parameters.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// BM25 scores a fixed corpus of documents against queries.
//
// The corpus is tokenized once at construction; Score may be called for any
// number of queries afterwards.
type BM25 struct {
	k1     float64
	b      float64
	docs   [][]string
	tf     []map[string]int
	df     map[string]int
	avgLen float64
}

// NewBM25 builds a scorer over documents using the default parameters.
func NewBM25(documents []string) *BM25 {
	return NewBM25WithParams(documents, DefaultK1, DefaultB)
}

// NewBM25WithParams builds a scorer with explicit k1 and b.
func NewBM25WithParams(documents []string, k1, b float64) *BM25 {
	s := &BM25{
		k1:   k1,
		b:    b,
		docs: make([][]string, len(documents)),
		tf:   make([]map[string]int, len(documents)),
		df:   make(map[string]int),
	}

	total := 0
	for i, doc := range documents {
		terms := Tokenize(doc)
		s.docs[i] = terms
		total += len(terms)

		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		s.tf[i] = freq
		for t := range freq {
			s.df[t]++
		}
	}

	if len(documents) > 0 {
		s.avgLen = float64(total) / float64(len(documents))
	}
	return s
}

// Score returns one BM25 score per document for the query, in corpus order.
// Documents sharing no term with the query score 0.
func (s *BM25) Score(query string) []float64 {
	scores := make([]float64, len(s.docs))
	if len(s.docs) == 0 {
		return scores
	}

	n := float64(len(s.docs))
	seen := make(map[string]bool)
	for _, term := range Tokenize(query) {
		if seen[term] {
			continue
		}
		seen[term] = true

		df := float64(s.df[term])
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))

		for i, freq := range s.tf {
			f := float64(freq[term])
			if f == 0 {
				continue
			}
			norm := 1 - s.b
			if s.avgLen > 0 {
				norm += s.b * float64(len(s.docs[i])) / s.avgLen
			}
			scores[i] += idf * f * (s.k1 + 1) / (f + s.k1*norm)
		}
	}

	return scores
}
