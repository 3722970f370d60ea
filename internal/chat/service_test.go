package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/pipeline"
	"go.uber.org/zap"
)

func TestAsk_CreatesConversationAndStoresTurn(t *testing.T) {
	env := newTestEnv(t, nil)

	res := env.ask(t, AskInput{UserID: "u1", Message: "  Hello   there  "})
	if res.Reply != "ok" {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if res.ConversationID == "" || res.MessageID == "" || res.UserMessageID == "" {
		t.Fatalf("expected ids to be set: %+v", res)
	}
	if res.Title != "Hello there" {
		t.Fatalf("unexpected title: %q", res.Title)
	}

	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	user, assistant := msgs[0], msgs[1]
	if user.Role != RoleUser || string(user.Content) != "Hello   there" || user.ParentID != nil {
		t.Fatalf("unexpected user msg: role=%q content=%q parent=%v", user.Role, user.Content, user.ParentID)
	}
	if assistant.Role != RoleAssistant || assistant.ParentID == nil || *assistant.ParentID != user.ID {
		t.Fatalf("unexpected assistant msg: role=%q parent=%v", assistant.Role, assistant.ParentID)
	}
	if bytes.Equal(assistant.Content, []byte("ok")) {
		t.Fatalf("assistant reply stored in clear")
	}
	plain, err := env.keyring.DecryptString(assistant.Content)
	if err != nil || plain != "ok" {
		t.Fatalf("decrypt assistant content: %q, %v", plain, err)
	}
	if user.ID >= assistant.ID {
		t.Fatalf("message ids should follow creation order: %s >= %s", user.ID, assistant.ID)
	}
	steps := assistant.Metadata.Data().Steps
	if len(steps) == 0 || steps[len(steps)-1] != pipeline.SynthesizeStep {
		t.Fatalf("unexpected steps: %v", steps)
	}
}

func TestAsk_UsesParentChainWindow(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.ContextWindowSize = 3 })

	first := env.ask(t, AskInput{UserID: "u1", Message: "first"})
	env.ask(t, AskInput{UserID: "u1", ConversationID: first.ConversationID, Message: "second"})
	env.ask(t, AskInput{UserID: "u1", ConversationID: first.ConversationID, Message: "third"})
	env.ask(t, AskInput{UserID: "u1", ConversationID: first.ConversationID, Message: "fourth"})

	// system + window-1 history messages + the new query
	got := env.provider.lastMessages()
	if len(got) != 4 {
		t.Fatalf("expected 4 provider messages, got %d", len(got))
	}
	if got[0].Role != ai.RoleSystem {
		t.Fatalf("expected system prompt first, got %q", got[0].Role)
	}
	if got[1].Role != ai.RoleUser || got[1].Content != "third" {
		t.Fatalf("unexpected oldest history msg: %+v", got[1])
	}
	if got[3].Role != ai.RoleUser || got[3].Content != "fourth" {
		t.Fatalf("expected last provider msg to be new user msg, got %+v", got[3])
	}

	// branching from the first answer ignores everything after it
	env.ask(t, AskInput{UserID: "u1", ConversationID: first.ConversationID, ParentID: first.MessageID, Message: "branch"})
	got = env.provider.lastMessages()
	if len(got) != 4 || got[1].Content != "first" || got[2].Role != ai.RoleAssistant {
		t.Fatalf("unexpected branch context: %+v", got)
	}

	var branch Message
	if err := env.db.Where("content = ?", []byte("branch")).First(&branch).Error; err != nil {
		t.Fatalf("load branch msg: %v", err)
	}
	if branch.ParentID == nil || *branch.ParentID != first.MessageID {
		t.Fatalf("branch should hang off %s, got %v", first.MessageID, branch.ParentID)
	}
}

func TestAsk_RejectsForeignConversationAndParent(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.ask(t, AskInput{UserID: "u1", Message: "mine"})

	_, err := env.svc.Ask(context.Background(), AskInput{UserID: "u2", ConversationID: res.ConversationID, Message: "hi"})
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	_, err = env.svc.Ask(context.Background(), AskInput{UserID: "u1", ConversationID: res.ConversationID, ParentID: "01NOTAREALMESSAGE000000000", Message: "hi"})
	if !errors.Is(err, ErrInvalidParent) {
		t.Fatalf("expected ErrInvalidParent, got %v", err)
	}

	if _, err := env.svc.Ask(context.Background(), AskInput{UserID: "u1", Message: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestAsk_AnonymizesBeforeProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.reply = "I will write to <EMAIL_ADDRESS_1>"

	res := env.ask(t, AskInput{UserID: "u1", Anonymize: true, Message: "mail bob@example.com please"})

	got := env.provider.lastMessages()
	query := got[len(got)-1].Content
	if strings.Contains(query, "bob@example.com") || !strings.Contains(query, "<EMAIL_ADDRESS_1>") {
		t.Fatalf("provider saw raw pii: %q", query)
	}
	if res.Reply != "I will write to bob@example.com" {
		t.Fatalf("reply not deanonymized: %q", res.Reply)
	}
	if strings.Contains(res.Title, "bob@") {
		t.Fatalf("title leaks pii: %q", res.Title)
	}

	msgs := env.messages(t, res.ConversationID)
	if strings.Contains(string(msgs[0].Content), "bob@example.com") {
		t.Fatalf("user message stored with raw pii: %q", msgs[0].Content)
	}

	view, err := env.svc.GetConversation(context.Background(), "u1", res.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if view.Messages[0].Content != "mail bob@example.com please" {
		t.Fatalf("user message not restored for display: %q", view.Messages[0].Content)
	}
}

func TestAskStream_StreamsAndStores(t *testing.T) {
	env := newTestEnv(t, nil)
	sp := &streamingProvider{parts: []string{"hel", "lo"}}
	env.svc.registry.Register("stream", func(ctx context.Context, model string) (ai.Provider, error) {
		return sp, nil
	})

	chunks, final := env.svc.AskStream(context.Background(), AskInput{UserID: "u1", Provider: "stream", Message: "hi"})
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-final
	if res.Err != nil {
		t.Fatalf("stream: %v", res.Err)
	}
	if strings.Join(got, "") != "hello" || res.Result.Reply != "hello" {
		t.Fatalf("unexpected stream output %v / %q", got, res.Result.Reply)
	}

	msgs := env.messages(t, res.Result.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	plain, err := env.keyring.DecryptString(msgs[1].Content)
	if err != nil || plain != "hello" {
		t.Fatalf("stored reply %q, %v", plain, err)
	}
}

func TestAskStream_NonStreamingProviderAnswersInOneChunk(t *testing.T) {
	env := newTestEnv(t, nil)
	chunks, final := env.svc.AskStream(context.Background(), AskInput{UserID: "u1", Message: "hi"})
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-final
	if res.Err != nil {
		t.Fatalf("stream: %v", res.Err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("unexpected chunks: %v", got)
	}
}

func TestSetFeedback(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := env.ask(t, AskInput{UserID: "u1", Message: "hi"})

	if _, err := env.svc.SetFeedback(ctx, "u1", res.ConversationID, res.UserMessageID, FeedbackPositive, ""); !errors.Is(err, ErrFeedbackNotAllowed) {
		t.Fatalf("expected ErrFeedbackNotAllowed, got %v", err)
	}
	if _, err := env.svc.SetFeedback(ctx, "u1", res.ConversationID, res.MessageID, "meh", ""); !errors.Is(err, ErrInvalidFeedback) {
		t.Fatalf("expected ErrInvalidFeedback, got %v", err)
	}
	if _, err := env.svc.SetFeedback(ctx, "u2", res.ConversationID, res.MessageID, FeedbackPositive, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	v, err := env.svc.SetFeedback(ctx, "u1", res.ConversationID, res.MessageID, "Negative", " too short ")
	if err != nil {
		t.Fatalf("set feedback: %v", err)
	}
	if v.Feedback == nil || *v.Feedback != FeedbackNegative || v.FeedbackComment == nil || *v.FeedbackComment != "too short" {
		t.Fatalf("unexpected feedback view: %+v", v)
	}
	if v.Content != "ok" {
		t.Fatalf("expected decrypted content in view, got %q", v.Content)
	}

	stored, err := env.repo.GetMessage(ctx, res.ConversationID, res.MessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Feedback == nil || *stored.Feedback != FeedbackNegative {
		t.Fatalf("feedback not stored: %v", stored.Feedback)
	}
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	c, err := env.svc.StartConversation(ctx, StartInput{UserID: "u1", ChatbotID: "bot-a"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.Title != defaultTitle || !c.IsActive || c.Provider != "fake" {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	env.ask(t, AskInput{UserID: "u1", ChatbotID: "bot-b", Message: "other bot"})

	list, total, err := env.svc.ListConversations(ctx, "u1", "bot-a", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("unexpected filtered list: total=%d %+v", total, list)
	}

	if _, err := env.svc.RenameConversation(ctx, "u1", c.ID, "  "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	renamed, err := env.svc.RenameConversation(ctx, "u1", c.ID, "Quarterly numbers")
	if err != nil || renamed.Title != "Quarterly numbers" {
		t.Fatalf("rename: %+v, %v", renamed, err)
	}

	if err := env.svc.DeleteConversation(ctx, "u2", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound for foreign delete, got %v", err)
	}
	if err := env.svc.DeleteConversation(ctx, "u1", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.GetConversation(ctx, "u1", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected deleted conversation to be hidden, got %v", err)
	}

	// soft delete keeps the row
	row, err := env.repo.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("row should survive delete: %v", err)
	}
	if row.IsActive || row.Title != "Quarterly numbers" {
		t.Fatalf("unexpected row after delete: %+v", row)
	}

	_, total, _ = env.svc.ListConversations(ctx, "u1", "", 10, 0)
	if total != 1 {
		t.Fatalf("expected only the remaining conversation, got %d", total)
	}
}

func TestRender_UndecryptableReplyIsBlank(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	res := env.ask(t, AskInput{UserID: "u1", Message: "hi"})

	if err := env.db.Model(&Message{}).Where("id = ?", res.MessageID).
		Update("content", []byte("gone$garbage")).Error; err != nil {
		t.Fatalf("corrupt message: %v", err)
	}
	view, err := env.svc.GetConversation(ctx, "u1", res.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(view.Messages) != 2 || view.Messages[1].Content != "" || view.Messages[0].Content != "hi" {
		t.Fatalf("unexpected view: %+v", view.Messages)
	}

	// the broken turn is left out of the next prompt
	env.ask(t, AskInput{UserID: "u1", ConversationID: res.ConversationID, Message: "again"})
	got := env.provider.lastMessages()
	if len(got) != 3 {
		t.Fatalf("expected system, first user msg and query, got %+v", got)
	}
}

func TestAskStream_RestoresPlaceholderSplitAcrossChunks(t *testing.T) {
	env := newTestEnv(t, nil)
	sp := &streamingProvider{parts: []string{"I will write to <EMAIL_", "ADDRESS_1> now"}}
	env.svc.registry.Register("stream", func(ctx context.Context, model string) (ai.Provider, error) {
		return sp, nil
	})

	chunks, final := env.svc.AskStream(context.Background(), AskInput{
		UserID:    "u1",
		Provider:  "stream",
		Anonymize: true,
		Message:   "mail bob@example.com please",
	})
	var got []string
	for c := range chunks {
		got = append(got, c)
	}
	res := <-final
	if res.Err != nil {
		t.Fatalf("stream: %v", res.Err)
	}

	streamed := strings.Join(got, "")
	if streamed != "I will write to bob@example.com now" {
		t.Fatalf("streamed text not restored: %q", streamed)
	}
	if streamed != res.Result.Reply {
		t.Fatalf("stream %q and reply %q differ", streamed, res.Result.Reply)
	}
	for _, c := range got {
		if strings.Contains(c, "<EMAIL") {
			t.Fatalf("placeholder fragment reached the client: %q", got)
		}
	}
}

type failingEncrypter struct{}

func (failingEncrypter) EncryptString(s string) ([]byte, error) {
	return nil, errors.New("keyring unavailable")
}

func (failingEncrypter) DecryptString(data []byte) (string, error) {
	return "", errors.New("keyring unavailable")
}

func TestAsk_AnonymizeFailureDiscardsNewConversation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.svc.anon = anonymizer.New(env.db, failingEncrypter{}, zap.NewNop())

	if _, err := env.svc.Ask(context.Background(), AskInput{UserID: "u1", Anonymize: true, Message: "mail bob@example.com"}); err == nil {
		t.Fatal("expected anonymize failure")
	}

	convs, total, err := env.svc.ListConversations(context.Background(), "u1", "", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 0 || len(convs) != 0 {
		t.Fatalf("failed first turn should leave no visible conversation, got %d", total)
	}
	var mappings int64
	if err := env.db.Model(&anonymizer.Mapping{}).Count(&mappings).Error; err != nil {
		t.Fatalf("count mappings: %v", err)
	}
	if mappings != 0 {
		t.Fatalf("expected no mappings, got %d", mappings)
	}
}

func TestAsk_AnonymizedConversationOwnsItsMappings(t *testing.T) {
	env := newTestEnv(t, nil)
	res := env.ask(t, AskInput{UserID: "u1", Anonymize: true, Message: "mail bob@example.com please"})

	if res.Title != "mail <EMAIL_ADDRESS_1> please" {
		t.Fatalf("title should come from the anonymised text: %q", res.Title)
	}
	var mappings []anonymizer.Mapping
	if err := env.db.Find(&mappings).Error; err != nil {
		t.Fatalf("load mappings: %v", err)
	}
	if len(mappings) != 1 || mappings[0].ConversationID != res.ConversationID {
		t.Fatalf("unexpected mappings: %+v", mappings)
	}
	var conv Conversation
	if err := env.db.First(&conv, "id = ?", res.ConversationID).Error; err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.Title != res.Title {
		t.Fatalf("stored title %q, returned %q", conv.Title, res.Title)
	}
}
