package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/crypto"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingProvider struct {
	mu    sync.Mutex
	reply string
	last  []ai.Message
	calls int
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// copy to avoid mutations
	p.last = append([]ai.Message(nil), messages...)
	p.calls++
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func (p *recordingProvider) lastMessages() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type streamingProvider struct {
	recordingProvider
	parts []string
}

func (p *streamingProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	p.last = append([]ai.Message(nil), messages...)
	p.mu.Unlock()

	chunks := make(chan string, len(p.parts))
	errs := make(chan error, 1)
	for _, part := range p.parts {
		chunks <- part
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

// keywordEmbedder maps text onto a few fixed axes so similarity is predictable.
type keywordEmbedder struct{}

var embedAxes = []string{"invoice", "weather", "recipe"}

func (keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	v := make([]float32, len(embedAxes))
	for i, axis := range embedAxes {
		v[i] = float32(strings.Count(lower, axis))
	}
	v = append(v, 0.01)
	return v, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) GetShare(ctx context.Context, token string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[token], nil
}

func (c *memCache) SetShare(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[token] = payload
	return nil
}

func (c *memCache) DeleteShare(ctx context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, token)
	return nil
}

func (c *memCache) has(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[token]
	return ok
}

type recordingJobs struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (j *recordingJobs) PublishDocumentJob(ctx context.Context, documentID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.ids = append(j.ids, documentID)
	return nil
}

// brokenCopyStore fails every Copy.
type brokenCopyStore struct {
	storage.ObjectStore
}

func (brokenCopyStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	return fmt.Errorf("copy %s: bucket unavailable", srcKey)
}

// stepClock advances one second on every call.
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

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	models := append(Models(), &anonymizer.Mapping{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type testEnv struct {
	db       *gorm.DB
	repo     *Repo
	svc      *Service
	provider *recordingProvider
	keyring  *crypto.Keyring
	store    *storage.LocalStore
	clock    *stepClock
}

func newTestEnv(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)

	keyring, err := crypto.NewKeyring(map[string]string{"k1": "secret-one"}, "k1", "test-salt")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store, err := storage.NewLocalStore(t.TempDir(), "http://files.test", zap.NewNop())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	env := &testEnv{
		db:       db,
		repo:     repo,
		provider: &recordingProvider{},
		keyring:  keyring,
		store:    store,
		clock:    &stepClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return env.provider, nil
	})

	opts := Options{
		Keyring:           keyring,
		Store:             store,
		DefaultProvider:   "fake",
		DefaultModel:      "default",
		ContextWindowSize: 20,
		ShareCacheTTL:     time.Minute,
		UploadMaxBytes:    1 << 20,
		Now:               env.clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	env.svc = NewService(repo, reg, opts)
	return env
}

func (e *testEnv) ask(t *testing.T, in AskInput) *AskResult {
	t.Helper()
	res, err := e.svc.Ask(context.Background(), in)
	if err != nil {
		t.Fatalf("ask %q: %v", in.Message, err)
	}
	return res
}

func (e *testEnv) messages(t *testing.T, conversationID string) []Message {
	t.Helper()
	var msgs []Message
	if err := e.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	return msgs
}
