package chat

import (
	"context"
	"math"
	"sort"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/pipeline"
	"go.uber.org/zap"
)

// VectorRetriever ranks a conversation's processed attachment chunks against a query.
// With an embedder it uses cosine similarity (pgvector on postgres, in process elsewhere);
// without one it scores by query term overlap.
type VectorRetriever struct {
	repo     *Repo
	embedder ai.Embedder
	log      *zap.Logger
}

func NewVectorRetriever(repo *Repo, embedder ai.Embedder, log *zap.Logger) *VectorRetriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &VectorRetriever{repo: repo, embedder: embedder, log: log}
}

func (r *VectorRetriever) Retrieve(ctx context.Context, conversationID, query string, k int) ([]pipeline.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}

	if r.embedder != nil {
		qv, err := r.embedder.Embed(ctx, query)
		if err != nil {
			r.log.Warn("embed query, falling back to term overlap", zap.String("conversation_id", conversationID), zap.Error(err))
		} else if r.repo.IsPostgres() {
			return r.searchPostgres(ctx, conversationID, qv, k)
		} else {
			return r.searchInProcess(ctx, conversationID, query, qv, k)
		}
	}
	return r.searchInProcess(ctx, conversationID, query, nil, k)
}

func (r *VectorRetriever) searchPostgres(ctx context.Context, conversationID string, qv []float32, k int) ([]pipeline.Candidate, error) {
	rows, err := r.repo.SearchVectorEntries(ctx, conversationID, Embedding(qv), k)
	if err != nil {
		return nil, err
	}
	names, err := r.fileNames(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.Candidate, 0, len(rows))
	for _, row := range rows {
		out = append(out, pipeline.Candidate{
			DocumentID: row.DocumentID,
			FileName:   names[row.DocumentID],
			ChunkIndex: row.ChunkIndex,
			Content:    row.Content,
			Score:      1 - row.Distance,
		})
	}
	return out, nil
}

// searchInProcess scores every entry. qv nil means term overlap only.
func (r *VectorRetriever) searchInProcess(ctx context.Context, conversationID, query string, qv []float32, k int) ([]pipeline.Candidate, error) {
	entries, err := r.repo.ListVectorEntries(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	names, err := r.fileNames(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	terms := pipeline.Terms(query)
	out := make([]pipeline.Candidate, 0, len(entries))
	for _, e := range entries {
		var score float64
		if qv != nil && len(e.Embedding) > 0 {
			score = Cosine(qv, e.Embedding)
		} else {
			score = pipeline.Overlap(terms, e.Content)
		}
		if score <= 0 {
			continue
		}
		out = append(out, pipeline.Candidate{
			DocumentID: e.DocumentID,
			FileName:   names[e.DocumentID],
			ChunkIndex: e.ChunkIndex,
			Content:    e.Content,
			Score:      score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (r *VectorRetriever) fileNames(ctx context.Context, conversationID string) (map[string]string, error) {
	docs, err := r.repo.ListDocuments(ctx, conversationID, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.ID] = d.FileName
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, 0 when the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
