// Package intake receives domain events from the task-management CRUD layer.
// Two paths exist: the HTTP endpoint in the api package for direct calls, and
// the AMQP consumer here for decoupled producers.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kolapsis/beacon/internal/config"
	"github.com/kolapsis/beacon/internal/notify"
)

// EventHandler processes one decoded domain event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev notify.DomainEvent) error
}

// Consumer reads domain events off a durable AMQP queue and feeds them to the
// notification pipeline. Connection loss triggers reconnects with backoff;
// the consumer only gives up when its context is cancelled.
type Consumer struct {
	cfg     config.AMQPConfig
	handler EventHandler
}

// NewConsumer creates a consumer for the configured queue.
func NewConsumer(cfg config.AMQPConfig, handler EventHandler) *Consumer {
	return &Consumer{cfg: cfg, handler: handler}
}

// Run consumes until ctx is cancelled. Each (re)connection declares the queue
// so either side can start first.
func (c *Consumer) Run(ctx context.Context) {
	retry := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.Duration()
			slog.Error("amqp consumer disconnected", "queue", c.cfg.Queue, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		return
	}
}

// consume holds one connection open and processes deliveries until the
// connection drops or ctx is cancelled.
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	queue, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declaring queue %q: %w", c.cfg.Queue, err)
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"",    // consumer tag, server-generated
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}

	slog.Info("amqp consumer connected", "queue", queue.Name)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return fmt.Errorf("connection closed")
			}
			return fmt.Errorf("connection closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

// process decodes and handles one delivery. Undecodable messages are rejected
// without requeue: they will never succeed, and requeueing would loop forever.
// Handler failures requeue once; a redelivered failure is dropped.
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	var ev notify.DomainEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		slog.Warn("rejecting undecodable event", "error", err)
		_ = d.Reject(false)
		return
	}

	if err := c.handler.HandleEvent(ctx, ev); err != nil {
		if d.Redelivered {
			slog.Error("dropping event after redelivery failure",
				"brand_id", ev.BrandID,
				"kind", ev.Kind,
				"error", err)
			_ = d.Reject(false)
			return
		}
		slog.Warn("requeueing failed event", "brand_id", ev.BrandID, "kind", ev.Kind, "error", err)
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}
