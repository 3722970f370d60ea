package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/docs"
	"github.com/suPer8Hu/chat-platform/internal/pipeline"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Encryptor seals assistant replies at rest.
type Encryptor interface {
	EncryptString(s string) ([]byte, error)
	DecryptString(data []byte) (string, error)
}

// ShareCache is a read-through cache of shared link rows. GetShare returns nil, nil on a miss.
type ShareCache interface {
	GetShare(ctx context.Context, token string) ([]byte, error)
	SetShare(ctx context.Context, token string, payload []byte, ttl time.Duration) error
	DeleteShare(ctx context.Context, token string) error
}

type JobPublisher interface {
	PublishDocumentJob(ctx context.Context, documentID string) error
}

type Options struct {
	Keyring    Encryptor
	Anonymizer *anonymizer.Anonymizer
	Store      storage.ObjectStore
	Cache      ShareCache
	Jobs       JobPublisher
	Embedder   ai.Embedder
	Chunker    *docs.Chunker

	DefaultProvider   string
	DefaultModel      string
	SystemPrompt      string
	ContextWindowSize int
	RetrievalTopK     int
	RerankTopN        int
	PresignTTL        time.Duration
	ShareCacheTTL     time.Duration
	UploadMaxBytes    int64

	Logger *zap.Logger
	Now    func() time.Time
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	enc      Encryptor
	anon     *anonymizer.Anonymizer
	store    storage.ObjectStore
	cache    ShareCache
	jobs     JobPublisher
	embedder ai.Embedder
	chunker  *docs.Chunker
	pipe     *pipeline.Pipeline

	defaultProvider   string
	defaultModel      string
	contextWindowSize int
	presignTTL        time.Duration
	shareCacheTTL     time.Duration
	uploadMaxBytes    int64

	log *zap.Logger
	now func() time.Time
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
	defaultTitle    = "New conversation"
	maxTitleRunes   = 80
)

// NewService wires the conversation service. opts.Keyring is required.
func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "chat"))

	window := opts.ContextWindowSize
	if window <= 0 || window > 100 {
		window = 20
	}
	s := &Service{
		repo:              repo,
		registry:          registry,
		enc:               opts.Keyring,
		anon:              opts.Anonymizer,
		store:             opts.Store,
		cache:             opts.Cache,
		jobs:              opts.Jobs,
		embedder:          opts.Embedder,
		chunker:           opts.Chunker,
		defaultProvider:   firstNonEmpty(opts.DefaultProvider, defaultProvider),
		defaultModel:      firstNonEmpty(opts.DefaultModel, defaultModel),
		contextWindowSize: window,
		presignTTL:        opts.PresignTTL,
		shareCacheTTL:     opts.ShareCacheTTL,
		uploadMaxBytes:    opts.UploadMaxBytes,
		log:               log,
		now:               opts.Now,
	}
	if s.anon == nil {
		s.anon = anonymizer.New(repo.DB(), opts.Keyring, log)
	}
	if s.chunker == nil {
		s.chunker = docs.DefaultChunker()
	}
	if s.presignTTL <= 0 {
		s.presignTTL = time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}

	topK := opts.RetrievalTopK
	if topK <= 0 {
		topK = 8
	}
	topN := opts.RerankTopN
	if topN <= 0 {
		topN = 4
	}
	s.pipe = pipeline.NewBuilder().
		SystemPrompt(opts.SystemPrompt).
		Logger(log).
		Retrieve(NewVectorRetriever(repo, opts.Embedder, log), topK).
		Rerank(topN, 0).
		Build()
	return s
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

type StartInput struct {
	UserID    string
	TenantID  string
	ChatbotID string
	Title     string
	Provider  string
	Model     string
	Anonymize bool
}

func (s *Service) StartConversation(ctx context.Context, in StartInput) (*Conversation, error) {
	return s.createConversation(ctx, newConversationID(), in)
}

func (s *Service) createConversation(ctx context.Context, id string, in StartInput) (*Conversation, error) {
	now := s.now()
	c := &Conversation{
		ID:        id,
		UserID:    in.UserID,
		Title:     titleFrom(in.Title),
		TenantID:  in.TenantID,
		ChatbotID: in.ChatbotID,
		Provider:  firstNonEmpty(in.Provider, s.defaultProvider),
		Model:     firstNonEmpty(in.Model, s.defaultModel),
		IsActive:  true,
		Anonymize: in.Anonymize,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func titleFrom(text string) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" {
		return defaultTitle
	}
	r := []rune(t)
	if len(r) > maxTitleRunes {
		return string(r[:maxTitleRunes])
	}
	return t
}

// owned maps every ownership or visibility failure to ErrConversationNotFound.
func (s *Service) owned(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	c, err := s.repo.GetOwnedConversation(ctx, userID, conversationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListConversations(ctx context.Context, userID, chatbotID string, limit, offset int) ([]Conversation, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListConversations(ctx, userID, chatbotID, limit, offset)
}

type ConversationView struct {
	Conversation
	Messages []MessageView `json:"messages"`
}

func (s *Service) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationView, error) {
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, c.ID, nil)
	if err != nil {
		return nil, err
	}
	return &ConversationView{Conversation: *c, Messages: s.render(ctx, c, msgs)}, nil
}

func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]MessageView, error) {
	v, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return v.Messages, nil
}

func (s *Service) RenameConversation(ctx context.Context, userID, conversationID, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrInvalidTitle
	}
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	c.Title = titleFrom(title)
	if err := s.repo.UpdateTitle(ctx, c.ID, c.Title); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteConversation hides a conversation and switches off its shared links. Rows are kept.
func (s *Service) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, c.ID); err != nil {
		return err
	}
	tokens, err := s.repo.DeactivateSharesForConversation(ctx, c.ID)
	if err != nil {
		s.log.Error("deactivate shares of deleted conversation", zap.String("conversation_id", c.ID), zap.Error(err))
		return nil
	}
	s.evictShares(ctx, tokens...)
	return nil
}

func (s *Service) SetFeedback(ctx context.Context, userID, conversationID, messageID, value, comment string) (*MessageView, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value != FeedbackPositive && value != FeedbackNegative && value != "" {
		return nil, ErrInvalidFeedback
	}
	c, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	m, err := s.repo.GetMessage(ctx, c.ID, messageID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Role != RoleAssistant {
		return nil, ErrFeedbackNotAllowed
	}

	var fb, fc *string
	if value != "" {
		fb = &value
		if comment = strings.TrimSpace(comment); comment != "" {
			fc = &comment
		}
	}
	if err := s.repo.UpdateFeedback(ctx, c.ID, m.ID, fb, fc); err != nil {
		return nil, err
	}
	m.Feedback, m.FeedbackComment = fb, fc

	views := s.render(ctx, c, []Message{*m})
	return &views[0], nil
}

type AttachmentView struct {
	FileID      string         `json:"file_id"`
	FileName    string         `json:"file_name"`
	ContentType string         `json:"content_type,omitempty"`
	Status      DocumentStatus `json:"status,omitempty"`
	ChunkCount  int            `json:"chunk_count,omitempty"`
	Error       *string        `json:"error,omitempty"`
	URL         string         `json:"url,omitempty"`
}

type MessageView struct {
	ID              string               `json:"id"`
	ConversationID  string               `json:"conversation_id"`
	ParentID        *string              `json:"parent_id"`
	Role            string               `json:"role"`
	Content         string               `json:"content"`
	Feedback        *string              `json:"feedback,omitempty"`
	FeedbackComment *string              `json:"feedback_comment,omitempty"`
	Attachments     []AttachmentView     `json:"attachments,omitempty"`
	References      []pipeline.Reference `json:"references,omitempty"`
	Steps           []string             `json:"steps,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// messageText returns the stored text of m, still anonymised.
func (s *Service) messageText(m *Message) (string, error) {
	if m.Role == RoleAssistant {
		return s.enc.DecryptString(m.Content)
	}
	return string(m.Content), nil
}

// render decrypts, deanonymises and presigns messages for display.
func (s *Service) render(ctx context.Context, c *Conversation, msgs []Message) []MessageView {
	values := s.piiValues(ctx, c)

	var fileIDs []string
	for i := range msgs {
		for _, a := range msgs[i].Metadata.Data().Attachments {
			fileIDs = append(fileIDs, a.FileID)
		}
	}
	documents, err := s.repo.DocumentsByID(ctx, c.ID, fileIDs)
	if err != nil {
		s.log.Error("load message attachments", zap.String("conversation_id", c.ID), zap.Error(err))
		documents = map[string]ConversationDocument{}
	}

	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		text, err := s.messageText(m)
		if err != nil {
			s.log.Error("decrypt message", zap.String("conversation_id", c.ID), zap.String("message_id", m.ID), zap.Error(err))
			text = ""
		}
		meta := m.Metadata.Data()

		v := MessageView{
			ID:              m.ID,
			ConversationID:  m.ConversationID,
			ParentID:        m.ParentID,
			Role:            m.Role,
			Content:         anonymizer.Restore(text, values),
			Feedback:        m.Feedback,
			FeedbackComment: m.FeedbackComment,
			References:      meta.References,
			Steps:           meta.Steps,
			CreatedAt:       m.CreatedAt,
		}
		for _, a := range meta.Attachments {
			av := AttachmentView{FileID: a.FileID, FileName: a.FileName, ContentType: a.ContentType}
			if d, ok := documents[a.FileID]; ok {
				av.Status = d.Status
				av.URL = s.presign(ctx, d.ObjectKey)
			}
			v.Attachments = append(v.Attachments, av)
		}
		out = append(out, v)
	}
	return out
}

func (s *Service) piiValues(ctx context.Context, c *Conversation) map[string]string {
	if !c.Anonymize {
		return nil
	}
	values, err := s.anon.Values(ctx, c.ID)
	if err != nil {
		s.log.Warn("load pii mappings, keeping placeholders", zap.String("conversation_id", c.ID), zap.Error(err))
		return nil
	}
	return values
}

func (s *Service) presign(ctx context.Context, key string) string {
	if s.store == nil || key == "" {
		return ""
	}
	url, err := s.store.PresignGet(ctx, key, s.presignTTL)
	if err != nil {
		s.log.Warn("presign attachment", zap.String("key", key), zap.Error(err))
		return ""
	}
	return url
}
