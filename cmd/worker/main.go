package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/chat-platform/internal/app"
	"github.com/suPer8Hu/chat-platform/internal/chat"
	"github.com/suPer8Hu/chat-platform/internal/config"
	"github.com/suPer8Hu/chat-platform/internal/logger"
	"github.com/suPer8Hu/chat-platform/internal/store/rabbitmq"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

func workerConcurrency(n int) int {
	if n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

type worker struct {
	svc        *chat.Service
	retries    *rabbitmq.Publisher
	maxRetries int
	retryDelay time.Duration
	log        *zap.Logger
}

func main() {
	cfg := config.Load()
	log := logger.Component(logger.New(cfg.LogFile, cfg.LogLevel, cfg.IsProduction()), "worker")
	defer log.Sync()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	svc, err := app.NewService(ctx, cfg, gdb, app.Deps{}, log)
	if err != nil {
		log.Fatal("chat service", zap.Error(err))
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("declare topology", zap.Error(err))
	}

	// retries go out on their own channel, never the consuming one
	pubCh, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit publish channel", zap.Error(err))
	}
	defer pubCh.Close()

	concurrency := workerConcurrency(cfg.WorkerConcurrency)
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	w := &worker{
		svc:        svc,
		retries:    rabbitmq.NewChannelPublisher(pubCh, cfg.RabbitQueue),
		maxRetries: cfg.RabbitMaxRetries,
		retryDelay: cfg.RabbitRetryDelay,
		log:        log,
	}

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				w.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handle acks finished and rejected documents, parks transient failures on the retry
// queue and dead-letters a document once its retries are used up.
func (w *worker) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := w.log.With(zap.Int("worker", workerID))

	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.DocumentID == "" {
		log.Warn("bad message", zap.ByteString("body", d.Body), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("file_id", m.DocumentID))
	attempt := rabbitmq.Attempt(d.Headers)

	// in-flight jobs finish after a shutdown signal
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
	defer cancel()

	start := time.Now()
	err := w.svc.ProcessDocument(jctx, m.DocumentID)
	switch {
	case err == nil:
		log.Info("document job done", zap.Duration("cost", time.Since(start)))
		ack(log, d)

	case errors.Is(err, chat.ErrDocumentRejected):
		log.Warn("document rejected", zap.Error(err))
		ack(log, d)

	case attempt < w.maxRetries:
		next := attempt + 1
		delay := w.retryDelay * time.Duration(next)
		if perr := w.retries.PublishRetry(jctx, d.Body, next, delay); perr != nil {
			log.Error("schedule retry", zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		log.Warn("document job failed, retrying",
			zap.Int("attempt", next),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		ack(log, d)

	default:
		log.Error("document job failed, giving up", zap.Int("attempts", attempt+1), zap.Error(err))
		w.svc.FailDocument(jctx, m.DocumentID, err)
		_ = d.Nack(false, false)
	}
}

func ack(log *zap.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}
