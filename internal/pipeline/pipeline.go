package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"go.uber.org/zap"
)

// SynthesizeStep is recorded once the provider has produced the answer.
const SynthesizeStep = "synthesize"

const DefaultSystemPrompt = "You are a helpful assistant. Answer the user's question. " +
	"When reference material is provided, ground your answer in it and cite references as [n]."

// Candidate is a chunk returned by a Retriever.
type Candidate struct {
	DocumentID string
	FileName   string
	ChunkIndex int
	Content    string
	Score      float64
}

// Reference is a candidate that made it into the prompt.
type Reference struct {
	Index      int     `json:"index"`
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name,omitempty"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}

// State flows through every step of one query.
type State struct {
	ConversationID string
	Query          string
	History        []ai.Message
	Candidates     []Candidate
	References     []Reference
	Steps          []string
}

type Step interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

type Retriever interface {
	Retrieve(ctx context.Context, conversationID, query string, k int) ([]Candidate, error)
}

type Pipeline struct {
	steps        []Step
	systemPrompt string
	snippetLen   int
	log          *zap.Logger
}

type Builder struct {
	p Pipeline
}

func NewBuilder() *Builder {
	return &Builder{p: Pipeline{systemPrompt: DefaultSystemPrompt, snippetLen: 1200}}
}

func (b *Builder) SystemPrompt(prompt string) *Builder {
	if strings.TrimSpace(prompt) != "" {
		b.p.systemPrompt = prompt
	}
	return b
}

func (b *Builder) Logger(log *zap.Logger) *Builder {
	b.p.log = log
	return b
}

func (b *Builder) Retrieve(r Retriever, topK int) *Builder {
	if r == nil {
		return b
	}
	return b.Use(&retrieveStep{retriever: r, topK: topK})
}

func (b *Builder) Rerank(topN int, minScore float64) *Builder {
	return b.Use(&rerankStep{topN: topN, minScore: minScore})
}

func (b *Builder) Use(step Step) *Builder {
	b.p.steps = append(b.p.steps, step)
	return b
}

func (b *Builder) Build() *Pipeline {
	p := b.p
	p.steps = append([]Step(nil), b.p.steps...)
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return &p
}

// Run executes the steps in order and turns the surviving candidates into references.
// A failing step stops the run; the state keeps whatever earlier steps produced.
func (p *Pipeline) Run(ctx context.Context, st *State) error {
	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.Run(ctx, st); err != nil {
			p.log.Warn("pipeline step failed",
				zap.String("step", step.Name()),
				zap.String("conversation_id", st.ConversationID),
				zap.Error(err))
			return fmt.Errorf("pipeline %s: %w", step.Name(), err)
		}
		st.Steps = append(st.Steps, step.Name())
	}

	st.References = st.References[:0]
	for i, c := range st.Candidates {
		st.References = append(st.References, Reference{
			Index:      i + 1,
			DocumentID: c.DocumentID,
			FileName:   c.FileName,
			ChunkIndex: c.ChunkIndex,
			Score:      c.Score,
			Snippet:    truncate(c.Content, p.snippetLen),
		})
	}
	return nil
}

// Messages builds the provider input: system prompt with numbered references, history, query.
func (p *Pipeline) Messages(st *State) []ai.Message {
	var sys strings.Builder
	sys.WriteString(p.systemPrompt)
	if len(st.References) > 0 {
		sys.WriteString("\n\nReferences:\n")
		for _, r := range st.References {
			label := r.FileName
			if label == "" {
				label = r.DocumentID
			}
			fmt.Fprintf(&sys, "[%d] (%s) %s\n", r.Index, label, r.Snippet)
		}
	}

	out := make([]ai.Message, 0, len(st.History)+2)
	out = append(out, ai.Message{Role: ai.RoleSystem, Content: sys.String()})
	out = append(out, st.History...)
	out = append(out, ai.Message{Role: ai.RoleUser, Content: st.Query})
	return out
}

// Synthesize asks provider for the answer to an already-run state.
func (p *Pipeline) Synthesize(ctx context.Context, provider ai.Provider, st *State) (string, error) {
	reply, err := provider.Chat(ctx, p.Messages(st))
	if err != nil {
		return "", err
	}
	st.Steps = append(st.Steps, SynthesizeStep)
	return reply, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
