package intake

import (
	"context"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/beacon/internal/config"
	"github.com/kolapsis/beacon/internal/notify"
)

type fakeHandler struct {
	events []notify.DomainEvent
	err    error
}

func (h *fakeHandler) HandleEvent(_ context.Context, ev notify.DomainEvent) error {
	h.events = append(h.events, ev)
	return h.err
}

// fakeAcker records which acknowledgement path process took.
type fakeAcker struct {
	acked    bool
	nacked   bool
	requeued bool
	rejected bool
}

func (a *fakeAcker) Ack(uint64, bool) error { a.acked = true; return nil }
func (a *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}
func (a *fakeAcker) Reject(uint64, bool) error { a.rejected = true; return nil }

func delivery(acker amqp.Acknowledger, body string, redelivered bool) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acker, Body: []byte(body), Redelivered: redelivered}
}

func TestProcess_AcksHandledEvent(t *testing.T) {
	t.Parallel()
	handler := &fakeHandler{}
	c := NewConsumer(config.AMQPConfig{Queue: "q"}, handler)
	acker := &fakeAcker{}

	c.process(context.Background(), delivery(acker,
		`{"brandId":"acme","entityType":"task","entityId":"1","kind":"task.updated"}`, false))

	require.Len(t, handler.events, 1)
	assert.Equal(t, "acme", handler.events[0].BrandID)
	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
	assert.False(t, acker.rejected)
}

func TestProcess_RejectsUndecodableBody(t *testing.T) {
	t.Parallel()
	handler := &fakeHandler{}
	c := NewConsumer(config.AMQPConfig{Queue: "q"}, handler)
	acker := &fakeAcker{}

	c.process(context.Background(), delivery(acker, `{not json`, false))

	assert.Empty(t, handler.events)
	assert.True(t, acker.rejected)
}

func TestProcess_RequeuesFirstFailure(t *testing.T) {
	t.Parallel()
	handler := &fakeHandler{err: fmt.Errorf("store down")}
	c := NewConsumer(config.AMQPConfig{Queue: "q"}, handler)
	acker := &fakeAcker{}

	c.process(context.Background(), delivery(acker,
		`{"brandId":"acme","entityType":"task","entityId":"1","kind":"task.updated"}`, false))

	assert.True(t, acker.nacked)
	assert.True(t, acker.requeued)
	assert.False(t, acker.rejected)
}

func TestProcess_DropsRedeliveredFailure(t *testing.T) {
	t.Parallel()
	handler := &fakeHandler{err: fmt.Errorf("still down")}
	c := NewConsumer(config.AMQPConfig{Queue: "q"}, handler)
	acker := &fakeAcker{}

	c.process(context.Background(), delivery(acker,
		`{"brandId":"acme","entityType":"task","entityId":"1","kind":"task.updated"}`, true))

	assert.True(t, acker.rejected)
	assert.False(t, acker.nacked)
}
