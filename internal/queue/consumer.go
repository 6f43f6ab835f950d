package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/pedolone/consent-service/internal/logger"
)

// Consumer drains the notification and export queues into append-only log
// files under Dir. Mail and push delivery hook in here.
type Consumer struct {
	URL string
	Dir string
}

// NewConsumer returns a Consumer writing under dir (default "logs").
func NewConsumer(url, dir string) *Consumer {
	if url == "" {
		url = DefaultURL
	}
	if dir == "" {
		dir = "logs"
	}
	return &Consumer{URL: url, Dir: dir}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// exponential backoff capped at 30s.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("queue-consumer"))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			log.Warn("failed to dial broker", logger.Err(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("consume loop ended; reconnecting", logger.Err(err))
		if !sleep(ctx, 2*time.Second) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.From(ctx).Warn("set QoS failed", logger.Err(err))
	}

	handlers := map[string]func([]byte) error{
		NotificationQueue: c.handleNotification,
		BulkExportQueue:   c.handleExport,
	}
	type delivery struct {
		queue string
		d     amqp.Delivery
	}
	merged := make(chan delivery)
	done := make(chan struct{})
	defer close(done)

	for name := range handlers {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		go func(name string, msgs <-chan amqp.Delivery) {
			for d := range msgs {
				select {
				case merged <- delivery{queue: name, d: d}:
				case <-done:
					return
				}
			}
		}(name, msgs)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return errors.New("connection closed")
		case m := <-merged:
			if err := handlers[m.queue](m.d.Body); err != nil {
				logger.From(ctx).Warn("handle message failed", zap.String("queue", m.queue), logger.Err(err))
				_ = m.d.Nack(false, false) // do not requeue to avoid tight loops
				continue
			}
			_ = m.d.Ack(false)
		}
	}
}

func (c *Consumer) handleNotification(body []byte) error {
	var ev NotificationEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return c.appendLine("notifications.log", FormatNotification(ev))
}

func (c *Consumer) handleExport(body []byte) error {
	var ev BulkExportEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	line := fmt.Sprintf("[%s] Bulk export requested | bulk_request_id=%s | requester=%s | requests=%d\n",
		ev.RequestedAt, ev.BulkRequestID, ev.RequesterOrgID, len(ev.RequestIDs))
	return c.appendLine("exports.log", line)
}

func (c *Consumer) appendLine(name, line string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(c.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// FormatNotification renders one event as a single log line. Payload keys
// are sorted; a verification code is never written out.
func FormatNotification(ev NotificationEvent) string {
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		if k == "code" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ev.Payload[k]))
	}
	return fmt.Sprintf("[%s] %s | target=%s | %s\n", ev.CreatedAt, ev.EventType, ev.TargetID, strings.Join(parts, " | "))
}
