package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader carries the delivery attempt for retried jobs.
const AttemptHeader = "x-attempt"

type JobMessage struct {
	DocumentID string `json:"document_id"`
}

func RetryQueue(queue string) string      { return queue + ".retry" }
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// DeclareTopology declares the main queue, its dead-letter queue and a retry queue whose
// expired messages are routed back to the main queue. The worker and publisher share it.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadLetterQueue(queue), true, false, false, false, nil); err != nil {
		return err
	}

	// per-message expiration on the retry queue; dead-letter back to main
	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}

	// nack(requeue=false) lands in the DLQ
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadLetterQueue(queue),
	})
	return err
}

type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// NewChannelPublisher publishes on an already open channel. The caller owns the channel.
func NewChannelPublisher(ch *amqp.Channel, queue string) *Publisher {
	return &Publisher{ch: ch, queue: queue}
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// PublishDocumentJob asks the worker to process an uploaded attachment.
func (p *Publisher) PublishDocumentJob(ctx context.Context, documentID string) error {
	if documentID == "" {
		return errors.New("empty document id")
	}
	body, err := json.Marshal(JobMessage{DocumentID: documentID})
	if err != nil {
		return err
	}
	return p.publish(ctx, p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{AttemptHeader: int32(0)},
	})
}

// PublishRetry parks body on the retry queue for delay; it then returns to the main queue.
func (p *Publisher) PublishRetry(ctx context.Context, body []byte, attempt int, delay time.Duration) error {
	if delay <= 0 {
		delay = time.Second
	}
	return p.publish(ctx, RetryQueue(p.queue), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      amqp.Table{AttemptHeader: int32(attempt)},
	})
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx, "", routingKey, false, false, msg)
}

// Attempt reads the attempt counter from a delivery's headers. Missing means first attempt.
func Attempt(headers amqp.Table) int {
	switch v := headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	case uint8:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
