package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-platform/internal/ai"
	"github.com/suPer8Hu/chat-platform/internal/anonymizer"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"github.com/suPer8Hu/chat-platform/internal/crypto"
	"github.com/suPer8Hu/chat-platform/internal/db"
	"github.com/suPer8Hu/chat-platform/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRegistry registers every provider the configuration can reach.
func NewRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})

	if cfg.OpenRouterAPIKey != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		})
	}
	return reg
}

// NewEmbedder returns nil when EMBEDDING_MODEL is unset; retrieval then scores by term overlap.
func NewEmbedder(cfg config.Config) ai.Embedder {
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return nil
	}
	return ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel).WithEmbeddingModel(cfg.EmbeddingModel)
}

// Open connects and migrates the database.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	gdb, err := db.Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	models := append(chat.Models(), &anonymizer.Mapping{})
	if err := db.Migrate(ctx, gdb, models...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return gdb, nil
}

type Deps struct {
	Cache chat.ShareCache
	Jobs  chat.JobPublisher
}

// NewService builds the chat service shared by the API server and the worker.
func NewService(ctx context.Context, cfg config.Config, gdb *gorm.DB, deps Deps, log *zap.Logger) (*chat.Service, error) {
	keyring, err := crypto.NewKeyring(cfg.EncryptionKeys, cfg.EncryptionCurrentKey, cfg.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	log.Info("encryption keyring loaded",
		zap.String("current", keyring.CurrentKeyID()),
		zap.Strings("keys", keyring.KeyIDs()),
	)
	store, err := storage.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return chat.NewService(chat.NewRepo(gdb), NewRegistry(cfg), chat.Options{
		Keyring:           keyring,
		Anonymizer:        anonymizer.New(gdb, keyring, log),
		Store:             store,
		Cache:             deps.Cache,
		Jobs:              deps.Jobs,
		Embedder:          NewEmbedder(cfg),
		DefaultProvider:   cfg.AIProvider,
		DefaultModel:      defaultModel(cfg),
		ContextWindowSize: cfg.ChatContextWindowSize,
		RetrievalTopK:     cfg.RetrievalTopK,
		RerankTopN:        cfg.RerankTopN,
		PresignTTL:        cfg.PresignTTL,
		ShareCacheTTL:     cfg.ShareCacheTTL,
		UploadMaxBytes:    cfg.UploadMaxBytes,
		Logger:            log,
	}), nil
}

func defaultModel(cfg config.Config) string {
	if strings.EqualFold(cfg.AIProvider, "openrouter") {
		return cfg.OpenRouterModel
	}
	return cfg.OllamaModel
}
