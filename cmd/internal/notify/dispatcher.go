// Package notify delivers reply notifications and maintains each user's
// notification inbox.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"nexuspc/cmd/internal/chat"
)

// LogDispatcher records reply notifications to the log only. It is the
// default when no broker is configured.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher constructs a LogDispatcher.
func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &LogDispatcher{log: log}
}

// DispatchReply logs the notification and succeeds.
func (d *LogDispatcher) DispatchReply(ctx context.Context, n chat.ReplyNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("notify.reply",
		"recipient", n.RecipientID,
		"from", n.FromUserID,
		"message_id", n.MessageID,
	)
	return nil
}

// AMQPDispatcher publishes reply notifications to a topic exchange.
// Consumers (push services, email digests) bind their own queues.
type AMQPDispatcher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// DialOptions configures the broker connection.
type DialOptions struct {
	URL           string
	Exchange      string
	RetryAttempts int
	Delay         time.Duration
}

const maxDialDelay = 60 * time.Second

// DialAMQP connects to the broker with exponential backoff and declares the
// notification exchange. It respects context cancellation for graceful
// shutdown.
func DialAMQP(ctx context.Context, log *slog.Logger, opts DialOptions) (*AMQPDispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Exchange == "" {
		opts.Exchange = "nexuspc.notifications"
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 5
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	var conn *amqp091.Connection
	for i := 1; i <= opts.RetryAttempts; i++ {
		var err error
		conn, err = amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				log.Info("notify.amqp.connected", "attempt", i)
			}
			break
		}
		lastErr = err
		conn = nil

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		log.Warn("notify.amqp.dial_fail", "attempt", i, "sleep", sleep, "err", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if conn == nil {
		return nil, errors.New("notify: broker unreachable: " + lastErr.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &AMQPDispatcher{conn: conn, exchange: opts.Exchange, log: log}, nil
}

// DispatchReply publishes the notification with routing key
// "reply.<recipient>".
func (d *AMQPDispatcher) DispatchReply(ctx context.Context, n chat.ReplyNotification) error {
	ch, err := d.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, d.exchange, "reply."+n.RecipientID, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err == nil {
		d.log.Info("notify.amqp.published", "recipient", n.RecipientID, "exchange", d.exchange)
	}
	return err
}

// Close closes the broker connection.
func (d *AMQPDispatcher) Close() error {
	if d == nil || d.conn == nil {
		return nil
	}
	return d.conn.Close()
}
