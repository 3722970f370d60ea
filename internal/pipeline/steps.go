package pipeline

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

type retrieveStep struct {
	retriever Retriever
	topK      int
}

func (s *retrieveStep) Name() string { return "retrieve" }

func (s *retrieveStep) Run(ctx context.Context, st *State) error {
	k := s.topK
	if k <= 0 {
		k = 8
	}
	cands, err := s.retriever.Retrieve(ctx, st.ConversationID, st.Query, k)
	if err != nil {
		return err
	}
	st.Candidates = cands
	return nil
}

// rerankStep blends the retriever score with query term overlap, drops duplicates and
// low scorers and keeps the best topN.
type rerankStep struct {
	topN     int
	minScore float64
}

const lexicalWeight = 0.3

func (s *rerankStep) Name() string { return "rerank" }

func (s *rerankStep) Run(ctx context.Context, st *State) error {
	if len(st.Candidates) == 0 {
		return nil
	}
	terms := Terms(st.Query)

	seen := make(map[string]bool, len(st.Candidates))
	out := make([]Candidate, 0, len(st.Candidates))
	for _, c := range st.Candidates {
		key := strings.TrimSpace(c.Content)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		c.Score = (1-lexicalWeight)*c.Score + lexicalWeight*Overlap(terms, c.Content)
		if c.Score < s.minScore {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if s.topN > 0 && len(out) > s.topN {
		out = out[:s.topN]
	}
	st.Candidates = out
	return nil
}

// Terms lower-cases text and returns its distinct words of two or more characters.
func Terms(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// Overlap is the share of query terms present in content, in [0,1].
func Overlap(queryTerms map[string]struct{}, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	have := Terms(content)
	hit := 0
	for t := range queryTerms {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(queryTerms))
}
