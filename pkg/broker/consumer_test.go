package broker

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAcknowledger records ack/nack traffic in place of an AMQP channel.
type fakeAcknowledger struct {
	acks  []uint64
	nacks []struct {
		tag     uint64
		requeue bool
	}
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks = append(f.nacks, struct {
		tag     uint64
		requeue bool
	}{tag, requeue})
	return nil
}

func newTestDelivery(tag uint64, ack acknowledger, actions chan func()) *Delivery {
	return &Delivery{
		tag:     tag,
		ack:     ack,
		actions: actions,
		logger:  slog.Default(),
	}
}

func TestAckIsFunneledThroughActionQueue(t *testing.T) {
	ack := &fakeAcknowledger{}
	actions := make(chan func(), 8)
	d := newTestDelivery(42, ack, actions)

	d.Ack()

	// The worker goroutine never touched the channel.
	assert.Empty(t, ack.acks)

	// Draining the action queue (the event loop's job) performs the ack.
	action := <-actions
	action()
	require.Equal(t, []uint64{42}, ack.acks)
}

func TestNackWithoutRequeueIsFunneled(t *testing.T) {
	ack := &fakeAcknowledger{}
	actions := make(chan func(), 8)
	d := newTestDelivery(7, ack, actions)

	d.Nack(false)

	action := <-actions
	action()
	require.Len(t, ack.nacks, 1)
	assert.Equal(t, uint64(7), ack.nacks[0].tag)
	assert.False(t, ack.nacks[0].requeue)
}

func TestFullActionQueueDropsInsteadOfBlocking(t *testing.T) {
	ack := &fakeAcknowledger{}
	actions := make(chan func(), 1)
	actions <- func() {} // fill the queue

	d := newTestDelivery(1, ack, actions)
	done := make(chan struct{})
	go func() {
		d.Ack() // must not block
		close(done)
	}()
	<-done

	assert.Len(t, actions, 1, "ack was dropped, not queued behind a full buffer")
}

func TestDrainActionsDiscardsStaleClosures(t *testing.T) {
	c := &Consumer{actions: make(chan func(), 8)}
	executed := false
	c.actions <- func() { executed = true }
	c.actions <- func() { executed = true }

	c.drainActions()

	assert.False(t, executed, "stale actions from a dead connection are dropped unexecuted")
	assert.Empty(t, c.actions)
}

func TestDrainPendingActionsExecutes(t *testing.T) {
	c := &Consumer{actions: make(chan func(), 8)}
	count := 0
	c.actions <- func() { count++ }
	c.actions <- func() { count++ }

	c.drainPendingActions()

	assert.Equal(t, 2, count)
}
