package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/metrics"
	"github.com/suPer8Hu/chat-platform/internal/pipeline"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AskInput struct {
	UserID   string
	TenantID string

	// ConversationID empty starts a new conversation with the fields below.
	ConversationID string
	ChatbotID      string
	Provider       string
	Model          string
	Anonymize      bool

	// ParentID empty continues from the latest message.
	ParentID      string
	Message       string
	AttachmentIDs []string
}

type AskResult struct {
	ConversationID string               `json:"conversation_id"`
	Title          string               `json:"title"`
	UserMessageID  string               `json:"user_message_id"`
	MessageID      string               `json:"message_id"`
	Reply          string               `json:"reply"`
	References     []pipeline.Reference `json:"references,omitempty"`
	Steps          []string             `json:"steps,omitempty"`
}

type StreamResult struct {
	Result *AskResult
	Err    error
}

// turn is one query after the user message is stored and the pipeline has run.
type turn struct {
	conv     *Conversation
	provider ai.Provider
	userMsg  *Message
	state    *pipeline.State
}

func newConversationID() string { return common.NewUUID() }

func (s *Service) providerFor(ctx context.Context, c *Conversation) (ai.Provider, error) {
	return s.registry.Get(ctx, firstNonEmpty(c.Provider, s.defaultProvider), firstNonEmpty(c.Model, s.defaultModel))
}

// Ask runs one synchronous chat turn.
func (s *Service) Ask(ctx context.Context, in AskInput) (res *AskResult, err error) {
	start := time.Now()
	defer func() {
		metrics.QueryDuration.WithLabelValues("sync", metrics.StatusLabel(err)).Observe(time.Since(start).Seconds())
	}()

	t, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}
	reply, err := s.pipe.Synthesize(ctx, t.provider, t.state)
	if err != nil {
		return nil, err
	}
	return s.finishTurn(ctx, t, reply)
}

// AskStream runs a chat turn, forwarding provider chunks as they arrive. The chunk channel
// is closed before the single StreamResult is readable.
func (s *Service) AskStream(ctx context.Context, in AskInput) (<-chan string, <-chan StreamResult) {
	chunks := make(chan string, 16)
	final := make(chan StreamResult, 1)

	go func() {
		start := time.Now()
		res, err := s.streamTurn(ctx, in, chunks)
		metrics.QueryDuration.WithLabelValues("stream", metrics.StatusLabel(err)).Observe(time.Since(start).Seconds())
		close(chunks)
		final <- StreamResult{Result: res, Err: err}
		close(final)
	}()

	return chunks, final
}

func (s *Service) streamTurn(ctx context.Context, in AskInput, out chan<- string) (*AskResult, error) {
	t, err := s.prepareTurn(ctx, in)
	if err != nil {
		return nil, err
	}
	values := s.piiValues(ctx, t.conv)

	sp, ok := t.provider.(ai.StreamProvider)
	if !ok {
		// non-streaming providers answer in one chunk
		reply, err := s.pipe.Synthesize(ctx, t.provider, t.state)
		if err != nil {
			return nil, err
		}
		if err := send(ctx, out, anonymizer.Restore(reply, values)); err != nil {
			return nil, err
		}
		return s.finishTurn(ctx, t, reply)
	}

	pChunks, pErrs := sp.StreamChat(ctx, s.pipe.Messages(t.state))
	restorer := anonymizer.NewStreamRestorer(values)
	var b strings.Builder
	for c := range pChunks {
		b.WriteString(c)
		text := restorer.Push(c)
		if text == "" {
			continue
		}
		if err := send(ctx, out, text); err != nil {
			return nil, err
		}
	}
	if err := <-pErrs; err != nil {
		return nil, err
	}
	if rest := restorer.Flush(); rest != "" {
		if err := send(ctx, out, rest); err != nil {
			return nil, err
		}
	}
	t.state.Steps = append(t.state.Steps, pipeline.SynthesizeStep)
	return s.finishTurn(ctx, t, b.String())
}

func send(ctx context.Context, out chan<- string, chunk string) error {
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepareTurn resolves the conversation, stores the user message and runs retrieval.
func (s *Service) prepareTurn(ctx context.Context, in AskInput) (*turn, error) {
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	var conv *Conversation
	created := false
	if in.ConversationID == "" {
		conv = &Conversation{ID: newConversationID(), Anonymize: in.Anonymize, Provider: in.Provider, Model: in.Model}
		created = true
	} else {
		c, err := s.owned(ctx, in.UserID, in.ConversationID)
		if err != nil {
			return nil, err
		}
		conv = c
	}

	// resolved before a new conversation row is written
	provider, err := s.providerFor(ctx, conv)
	if err != nil {
		return nil, err
	}

	// the row exists before any PII mapping points at it
	if created {
		title := text
		if conv.Anonymize {
			// set from the anonymised text below
			title = ""
		}
		c, err := s.createConversation(ctx, conv.ID, StartInput{
			UserID:    in.UserID,
			TenantID:  in.TenantID,
			ChatbotID: in.ChatbotID,
			Title:     title,
			Provider:  in.Provider,
			Model:     in.Model,
			Anonymize: in.Anonymize,
		})
		if err != nil {
			return nil, err
		}
		conv = c
	}

	if conv.Anonymize {
		anon, err := s.anon.Anonymize(ctx, conv.ID, text)
		if err != nil {
			if created {
				s.discardConversation(ctx, conv.ID)
			}
			return nil, fmt.Errorf("anonymize query: %w", err)
		}
		text = anon
		if created {
			conv.Title = titleFrom(text)
			if err := s.repo.UpdateTitle(ctx, conv.ID, conv.Title); err != nil {
				return nil, err
			}
		}
	}

	var parentID *string
	if in.ParentID != "" {
		p, err := s.repo.GetMessage(ctx, conv.ID, in.ParentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidParent
		}
		if err != nil {
			return nil, err
		}
		parentID = &p.ID
	} else if !created {
		latest, err := s.repo.LatestMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if latest != nil {
			parentID = &latest.ID
		}
	}

	attachments, err := s.attachmentRefs(ctx, conv.ID, in.AttachmentIDs)
	if err != nil {
		return nil, err
	}

	// history is read before the new message exists so it ends at the parent
	var history []ai.Message
	if parentID != nil && s.contextWindowSize > 1 {
		chain, err := s.repo.MessageChain(ctx, conv.ID, *parentID, s.contextWindowSize-1)
		if err != nil {
			return nil, err
		}
		history = s.providerHistory(conv, chain)
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	userMsg := &Message{
		ID:             id,
		ConversationID: conv.ID,
		ParentID:       parentID,
		Role:           RoleUser,
		Content:        []byte(text),
		Metadata:       datatypes.NewJSONType(MessageMetadata{Attachments: attachments}),
		CreatedAt:      s.now(),
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	st := &pipeline.State{ConversationID: conv.ID, Query: text, History: history}
	if err := s.pipe.Run(ctx, st); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// answer without references rather than failing the turn
		st.Candidates = nil
		st.References = nil
	}

	return &turn{conv: conv, provider: provider, userMsg: userMsg, state: st}, nil
}

// discardConversation hides a conversation whose first turn never got stored.
func (s *Service) discardConversation(ctx context.Context, id string) {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		s.log.Warn("discard conversation", zap.String("conversation_id", id), zap.Error(err))
	}
}

func (s *Service) attachmentRefs(ctx context.Context, conversationID string, ids []string) ([]AttachmentRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.repo.DocumentsByID(ctx, conversationID, ids)
	if err != nil {
		return nil, err
	}
	refs := make([]AttachmentRef, 0, len(ids))
	for _, id := range ids {
		d, ok := found[id]
		if !ok {
			return nil, ErrDocumentNotFound
		}
		refs = append(refs, AttachmentRef{FileID: d.ID, FileName: d.FileName, ContentType: d.ContentType})
	}
	return refs, nil
}

// providerHistory keeps the stored, still anonymised text. Undecryptable turns are skipped.
func (s *Service) providerHistory(c *Conversation, chain []Message) []ai.Message {
	out := make([]ai.Message, 0, len(chain))
	for i := range chain {
		m := &chain[i]
		text, err := s.messageText(m)
		if err != nil {
			s.log.Warn("skip undecryptable history message", zap.String("conversation_id", c.ID), zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, ai.Message{Role: m.Role, Content: text})
	}
	return out
}

func (s *Service) finishTurn(ctx context.Context, t *turn, reply string) (*AskResult, error) {
	sealed, err := s.enc.EncryptString(reply)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	now := s.now()
	assistantMsg := &Message{
		ID:             id,
		ConversationID: t.conv.ID,
		ParentID:       &t.userMsg.ID,
		Role:           RoleAssistant,
		Content:        sealed,
		Metadata: datatypes.NewJSONType(MessageMetadata{
			References: t.state.References,
			Steps:      t.state.Steps,
		}),
		CreatedAt: now,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	if err := s.repo.Touch(ctx, t.conv.ID, now); err != nil {
		s.log.Warn("touch conversation", zap.String("conversation_id", t.conv.ID), zap.Error(err))
	}

	return &AskResult{
		ConversationID: t.conv.ID,
		Title:          t.conv.Title,
		UserMessageID:  t.userMsg.ID,
		MessageID:      assistantMsg.ID,
		Reply:          anonymizer.Restore(reply, s.piiValues(ctx, t.conv)),
		References:     t.state.References,
		Steps:          t.state.Steps,
	}, nil
}
