package rabbitmq

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Decision tells the consumer what to do with a processed message.
type Decision int

const (
	// Ack acknowledges the message; processing succeeded.
	Ack Decision = iota
	// Retry schedules a redelivery with an incremented attempt count. Once
	// the attempt count reaches the consumer's max, the exhausted hook runs
	// and the message is acknowledged instead of requeued forever.
	Retry
	// Drop acknowledges the message without processing it further; used for
	// malformed payloads and other permanently unprocessable messages.
	Drop
)

const retryCountHeader = "x-retry-count"

// Handler processes one message body. attempt starts at 1 for the first delivery.
type Handler func(body []byte, attempt int) Decision

// ExhaustedHook runs when a message has used up all its delivery attempts.
type ExhaustedHook func(body []byte, attempts int)

// ConsumeOptions describe one queue subscription.
type ConsumeOptions struct {
	Exchange    string
	Queue       string
	RoutingKey  string
	Prefetch    int
	MaxAttempts int
	Handler     Handler
	OnExhausted ExhaustedHook
}

// Consumer wraps a RabbitMQ connection for consuming from durable queues.
type Consumer struct {
	conn *amqp.Connection
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// NewConsumer dials the broker.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn}, nil
}

// Consume declares the durable exchange, queue, and binding, applies the
// prefetch limit on a dedicated channel, and processes deliveries until the
// channel closes. Redelivery is driven by republishing with an incremented
// x-retry-count header rather than a bare nack, so a poison message cannot
// spin in the queue forever.
func (c *Consumer) Consume(opts ConsumeOptions) error {
	if opts.Handler == nil {
		return fmt.Errorf("no handler provided for queue %s", opts.Queue)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, opts.RoutingKey, opts.Exchange, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			attempt := readAttempt(d.Headers)

			switch opts.Handler(d.Body, attempt) {
			case Ack:
				d.Ack(false)
			case Drop:
				log.Printf("level=warn component=rabbitmq_consumer msg=\"message dropped\" queue=%s attempt=%d", opts.Queue, attempt)
				d.Ack(false)
			case Retry:
				if attempt >= opts.MaxAttempts {
					log.Printf("level=error component=rabbitmq_consumer msg=\"delivery attempts exhausted\" queue=%s attempts=%d", opts.Queue, attempt)
					if opts.OnExhausted != nil {
						opts.OnExhausted(d.Body, attempt)
					}
					d.Ack(false)
					continue
				}
				if err := c.republish(ch, opts, d, attempt+1); err != nil {
					// Could not schedule the retry; fall back to a broker
					// requeue so the message is not lost.
					log.Printf("level=error component=rabbitmq_consumer msg=\"republish failed; requeueing\" queue=%s err=%v", opts.Queue, err)
					d.Nack(false, true)
					continue
				}
				d.Ack(false)
			}
		}
	}()

	return nil
}

func (c *Consumer) republish(ch *amqp.Channel, opts ConsumeOptions, d amqp.Delivery, nextAttempt int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(ctx, opts.Exchange, opts.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{retryCountHeader: int32(nextAttempt)},
		Body:         d.Body,
	})
}

// readAttempt extracts the retry counter; a missing header means first delivery.
func readAttempt(headers amqp.Table) int {
	if headers == nil {
		return 1
	}
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Close gracefully closes the connection to RabbitMQ.
func (c *Consumer) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
