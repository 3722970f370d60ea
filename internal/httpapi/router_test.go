package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/auth"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"github.com/suPer8Hu/chat-platform/internal/crypto"
	"github.com/suPer8Hu/chat-platform/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "test-jwt-secret"

type fixedProvider struct{ reply string }

func (p fixedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return p.reply, nil
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	db     *gorm.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := gdb.AutoMigrate(append(chat.Models(), &anonymizer.Mapping{})...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	keyring, err := crypto.NewKeyring(map[string]string{"k1": "secret-one"}, "k1", "test-salt")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store, err := storage.NewLocalStore(t.TempDir(), "http://files.test", zap.NewNop())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return fixedProvider{reply: "hello from " + model}, nil
	})

	clock := &stepClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := chat.NewService(chat.NewRepo(gdb), reg, chat.Options{
		Keyring:         keyring,
		Store:           store,
		DefaultProvider: "fake",
		DefaultModel:    "m1",
		UploadMaxBytes:  1 << 20,
		Now:             clock.Now,
	})

	cfg := config.Config{JWTSecret: testSecret, UploadMaxBytes: 1 << 20}
	h := handlers.NewHandler(gdb, cfg, svc, nil, zap.NewNop())
	return &testServer{t: t, engine: NewRouter(h), db: gdb}
}

func (s *testServer) token(userID string) string {
	s.t.Helper()
	tok, err := auth.SignJWT(userID, "tenant-a", testSecret, time.Hour)
	if err != nil {
		s.t.Fatalf("sign: %v", err)
	}
	return tok
}

func (s *testServer) do(method, path, userID string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(userID))
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, w.Body.String())
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v (%s)", err, env.Data)
		}
	}
	return env
}

func TestHealthAndRouting(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	var status map[string]string
	decode(t, w, &status)
	if status["database"] != "ok" || status["cache"] != "disabled" {
		t.Fatalf("unexpected health: %v", status)
	}

	w = s.do(http.MethodGet, "/nope", "", nil)
	if env := decode(t, w, nil); w.Code != http.StatusNotFound || env.Code != 40400 {
		t.Fatalf("expected route not found, got %d %+v", w.Code, env)
	}

	w = s.do(http.MethodGet, "/conversations", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = s.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "chat_platform_http_requests_total") {
		t.Fatalf("metrics not exposed: %d", w.Code)
	}
}

func TestQueryAndConversationEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/chat/query", "u1", map[string]any{"message": "hi there"})
	if w.Code != http.StatusOK {
		t.Fatalf("query: %d %s", w.Code, w.Body.String())
	}
	var res chat.AskResult
	decode(t, w, &res)
	if res.ConversationID == "" || res.Reply != "hello from m1" || res.Title != "hi there" {
		t.Fatalf("unexpected result: %+v", res)
	}

	w = s.do(http.MethodPost, "/chat/query", "u1", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", w.Code)
	}
	w = s.do(http.MethodPost, "/chat/query", "u1", map[string]any{"message": "x", "provider": "nope"})
	if env := decode(t, w, nil); w.Code != http.StatusBadRequest || env.Code != 10007 {
		t.Fatalf("expected unknown provider error, got %d %+v", w.Code, env)
	}

	var list struct {
		Items []chat.Conversation `json:"items"`
		Total int64               `json:"total"`
	}
	decode(t, s.do(http.MethodGet, "/conversations", "u1", nil), &list)
	if list.Total != 1 || len(list.Items) != 1 || list.Items[0].ID != res.ConversationID {
		t.Fatalf("unexpected list: %+v", list)
	}

	path := "/conversations/" + res.ConversationID
	var view chat.ConversationView
	decode(t, s.do(http.MethodGet, path, "u1", nil), &view)
	if len(view.Messages) != 2 || view.Messages[1].Content != "hello from m1" {
		t.Fatalf("unexpected view: %+v", view.Messages)
	}

	w = s.do(http.MethodGet, path, "u2", nil)
	if env := decode(t, w, nil); w.Code != http.StatusNotFound || env.Code != 40401 {
		t.Fatalf("foreign read should be hidden, got %d %+v", w.Code, env)
	}

	w = s.do(http.MethodPost, path+"/messages/"+view.Messages[0].ID+"/feedback", "u1", map[string]any{"value": "positive"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("feedback on user message should be rejected, got %d", w.Code)
	}
	w = s.do(http.MethodPost, path+"/messages/"+view.Messages[1].ID+"/feedback", "u1", map[string]any{"value": "negative", "comment": "wrong"})
	var msg chat.MessageView
	decode(t, w, &msg)
	if w.Code != http.StatusOK || msg.Feedback == nil || *msg.Feedback != "negative" {
		t.Fatalf("unexpected feedback response: %d %+v", w.Code, msg)
	}

	var renamed chat.Conversation
	decode(t, s.do(http.MethodPatch, path, "u1", map[string]any{"title": "Renamed"}), &renamed)
	if renamed.Title != "Renamed" {
		t.Fatalf("rename failed: %+v", renamed)
	}

	if w := s.do(http.MethodDelete, path, "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("delete: %d", w.Code)
	}
	if w := s.do(http.MethodGet, path, "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted conversation should be gone, got %d", w.Code)
	}
}

func TestQueryStream(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/chat/query/stream", "u1", map[string]any{"message": "stream please"})
	body := w.Body.String()
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected stream response: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	chunkAt := strings.Index(body, "event: chunk")
	doneAt := strings.Index(body, "event: done")
	if chunkAt < 0 || doneAt < chunkAt || !strings.Contains(body, `"delta":"hello from m1"`) {
		t.Fatalf("unexpected stream body: %s", body)
	}

	w = s.do(http.MethodPost, "/chat/query/stream", "u1", map[string]any{"message": "x", "conversation_id": "missing"})
	if !strings.Contains(w.Body.String(), "event: error") || !strings.Contains(w.Body.String(), "conversation not found") {
		t.Fatalf("expected error event, got %s", w.Body.String())
	}
}

func TestShareEndpoints(t *testing.T) {
	s := newTestServer(t)

	var res chat.AskResult
	decode(t, s.do(http.MethodPost, "/chat/query", "u1", map[string]any{"message": "share me"}), &res)

	w := s.do(http.MethodPost, "/conversations/"+res.ConversationID+"/share", "u1", map[string]any{"expires_in_seconds": 3600})
	var sh chat.SharedConversation
	decode(t, w, &sh)
	if w.Code != http.StatusOK || sh.ID == "" || sh.ExpiresAt == nil {
		t.Fatalf("unexpected share: %d %+v", w.Code, sh)
	}

	// no token needed to read
	var view chat.SharedView
	w = s.do(http.MethodGet, "/shared/"+sh.ID, "", nil)
	decode(t, w, &view)
	if w.Code != http.StatusOK || len(view.Messages) != 2 {
		t.Fatalf("unexpected shared view: %d %+v", w.Code, view)
	}

	if w := s.do(http.MethodPost, "/shared/"+sh.ID+"/clone", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("clone requires auth, got %d", w.Code)
	}
	var clone chat.Conversation
	w = s.do(http.MethodPost, "/shared/"+sh.ID+"/clone", "u2", nil)
	decode(t, w, &clone)
	if w.Code != http.StatusOK || clone.ID == "" || clone.ID == res.ConversationID || clone.TenantID != "tenant-a" {
		t.Fatalf("unexpected clone: %d %+v", w.Code, clone)
	}
	var cloned chat.ConversationView
	decode(t, s.do(http.MethodGet, "/conversations/"+clone.ID, "u2", nil), &cloned)
	if len(cloned.Messages) != 2 {
		t.Fatalf("expected cloned messages, got %d", len(cloned.Messages))
	}

	if w := s.do(http.MethodDelete, "/conversations/"+res.ConversationID+"/share", "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("unshare: %d", w.Code)
	}
	w = s.do(http.MethodGet, "/shared/"+sh.ID, "", nil)
	if env := decode(t, w, nil); w.Code != http.StatusNotFound || env.Code != 40404 {
		t.Fatalf("expected not found after unshare, got %d %+v", w.Code, env)
	}
}

func TestAttachmentEndpoints(t *testing.T) {
	s := newTestServer(t)

	var conv chat.Conversation
	decode(t, s.do(http.MethodPost, "/conversations", "u1", map[string]any{"title": "Docs"}), &conv)
	if conv.ID == "" || conv.Title != "Docs" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	upload := func(name, content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		fw.Write([]byte(content))
		mw.Close()

		req := httptest.NewRequest(http.MethodPost, "/conversations/"+conv.ID+"/attachments", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+s.token("u1"))
		w := httptest.NewRecorder()
		s.engine.ServeHTTP(w, req)
		return w
	}

	w := upload("notes.md", "# Notes\nThe meeting is on Friday.")
	var doc chat.ConversationDocument
	decode(t, w, &doc)
	if w.Code != http.StatusOK || doc.ID == "" || doc.Status != chat.DocumentDone {
		t.Fatalf("unexpected upload: %d %s", w.Code, w.Body.String())
	}

	w = upload("image.png", "png")
	if env := decode(t, w, nil); w.Code != http.StatusUnsupportedMediaType || env.Code != 41501 {
		t.Fatalf("expected unsupported type, got %d %+v", w.Code, env)
	}

	var list struct {
		Attachments []chat.AttachmentView `json:"attachments"`
	}
	decode(t, s.do(http.MethodGet, "/conversations/"+conv.ID+"/attachments", "u1", nil), &list)
	if len(list.Attachments) != 1 || list.Attachments[0].FileID != doc.ID || list.Attachments[0].URL == "" {
		t.Fatalf("unexpected attachments: %+v", list.Attachments)
	}

	var res chat.AskResult
	decode(t, s.do(http.MethodPost, "/chat/query", "u1", map[string]any{
		"conversation_id": conv.ID,
		"message":         "when is the meeting",
		"attachment_ids":  []string{doc.ID},
	}), &res)
	if len(res.References) != 1 || res.References[0].DocumentID != doc.ID {
		t.Fatalf("expected the note as reference, got %+v", res.References)
	}
}
