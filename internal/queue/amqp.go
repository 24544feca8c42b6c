package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"receiptly/internal/logger"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const publishTimeout = 5 * time.Second

// publishFunc sends one message to the exchange with the given routing key.
type publishFunc func(ctx context.Context, routingKey string, msg amqp091.Publishing) error

// acknowledger is the part of amqp091.Delivery used to settle a message.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Client publishes and consumes receipt jobs.
//
// Topology on a durable direct exchange:
//   - <queue> holds jobs ready to run.
//   - <queue>.retry holds jobs waiting out their backoff. Each message carries
//     a TTL and dead-letters back to <queue> when it expires.
//   - <queue>.dead holds jobs that exhausted their attempts or failed
//     permanently.
type Client struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string

	publishMu sync.Mutex
	publish   publishFunc
}

// NewClient dials url and declares the topology.
func NewClient(url, exchangeName, queueName string) (*Client, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
	}
	client.publish = client.channelPublish

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queues: %w", err)
	}

	return client, nil
}

func (c *Client) retryQueue() string { return c.queueName + ".retry" }
func (c *Client) deadQueue() string { return c.queueName + ".dead" }

func (c *Client) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	queues := []struct {
		name string
		args amqp091.Table
	}{
		{name: c.queueName},
		{name: c.retryQueue(), args: amqp091.Table{
			"x-dead-letter-exchange":    c.exchangeName,
			"x-dead-letter-routing-key": c.queueName,
		}},
		{name: c.deadQueue()},
	}

	for _, q := range queues {
		if _, err := c.channel.QueueDeclare(
			q.name, // name
			true,   // durable
			false,  // delete when unused
			false,  // exclusive
			false,  // no-wait
			q.args, // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		// routing key is the queue name on a direct exchange
		if err := c.channel.QueueBind(q.name, q.name, c.exchangeName, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.name, err)
		}
	}

	return nil
}

func (c *Client) channelPublish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	return c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		routingKey,     // routing key
		false,          // mandatory
		false,          // immediate
		msg,
	)
}

func (c *Client) send(ctx context.Context, routingKey string, job *ReceiptJob, configure func(*amqp091.Publishing)) error {
	body, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		MessageId:    job.ReceiptID + ":" + strconv.Itoa(job.Attempt),
		Body:         body,
	}
	if configure != nil {
		configure(&msg)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	if err := c.publish(ctx, routingKey, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", routingKey, err)
	}
	return nil
}

// Publish enqueues job for immediate processing.
func (c *Client) Publish(ctx context.Context, job *ReceiptJob) error {
	if err := c.send(ctx, c.queueName, job, nil); err != nil {
		return err
	}
	logger.Get().Infow("published receipt job",
		"receipt_id", job.ReceiptID,
		"attempt", job.Attempt,
		"queue", c.queueName,
	)
	return nil
}

// DispatchReceipt enqueues the first attempt for receiptID.
func (c *Client) DispatchReceipt(ctx context.Context, receiptID string) error {
	return c.Publish(ctx, NewReceiptJob(receiptID))
}

func (c *Client) publishRetry(ctx context.Context, job *ReceiptJob, delay time.Duration) error {
	return c.send(ctx, c.retryQueue(), job, func(msg *amqp091.Publishing) {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	})
}

func (c *Client) publishDead(ctx context.Context, job *ReceiptJob, cause error) error {
	return c.send(ctx, c.deadQueue(), job, func(msg *amqp091.Publishing) {
		reason := ""
		if cause != nil {
			reason = cause.Error()
		}
		msg.Headers = amqp091.Table{"x-failure-reason": reason}
	})
}

// Consume runs jobs with up to concurrency attempts in flight until ctx is
// cancelled. In-flight attempts are allowed to finish.
func (c *Client) Consume(ctx context.Context, h Handler, p Policy, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if err := c.channel.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	logger.Get().Infow("started consuming receipt jobs",
		"queue", c.queueName,
		"concurrency", concurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case delivery, ok := <-msgs:
					if !ok {
						return errors.New("delivery channel closed")
					}
					c.settle(context.WithoutCancel(gctx), delivery.Body, delivery, h, p)
				}
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Get().Infow("stopped consuming receipt jobs", "queue", c.queueName)
	}
	return err
}

// settle runs one delivery through Execute and acknowledges it accordingly.
func (c *Client) settle(ctx context.Context, body []byte, ack acknowledger, h Handler, p Policy) {
	job, err := ReceiptJobFromJSON(body)
	if err != nil || job.ReceiptID == "" {
		logger.Get().Errorw("dropping malformed job message", "error", err, "body", string(body))
		_ = ack.Nack(false, false)
		return
	}

	logger.Get().Infow("processing receipt job",
		"receipt_id", job.ReceiptID,
		"attempt", job.Attempt,
	)

	decision := Execute(ctx, h, job, p)

	switch decision.Action {
	case ActionAck:
		logger.Get().Infow("receipt job completed",
			"receipt_id", job.ReceiptID,
			"attempt", job.Attempt,
		)
	case ActionRetry:
		if err := c.publishRetry(ctx, job.Next(), decision.Delay); err != nil {
			logger.Get().Errorw("failed to schedule retry, requeueing",
				"receipt_id", job.ReceiptID,
				"attempt", job.Attempt,
				"error", err,
			)
			_ = ack.Nack(false, true)
			return
		}
	case ActionDeadLetter:
		if err := c.publishDead(ctx, job, decision.Err); err != nil {
			logger.Get().Errorw("failed to dead-letter job",
				"receipt_id", job.ReceiptID,
				"attempt", job.Attempt,
				"error", err,
			)
		}
	}

	if err := ack.Ack(false); err != nil {
		logger.Get().Errorw("failed to ack delivery", "receipt_id", job.ReceiptID, "error", err)
	}
}

// Close closes the channel and connection.
func (c *Client) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
