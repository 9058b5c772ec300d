package eventide

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubscriptionEventKind tags a SubscriptionEvent.
type SubscriptionEventKind uint8

const (
	// KindConfirmation is delivered once, first, when the subscription is established.
	KindConfirmation SubscriptionEventKind = iota + 1
	// KindEventAppeared carries an event.
	KindEventAppeared
	// KindCheckpointReached carries the global position a filtered $all
	// subscription has scanned up to.
	KindCheckpointReached
	// KindDropped is the final item of a subscription that ended without
	// being closed by the consumer.
	KindDropped
)

func (k SubscriptionEventKind) String() string {
	switch k {
	case KindConfirmation:
		return "confirmation"
	case KindEventAppeared:
		return "event-appeared"
	case KindCheckpointReached:
		return "checkpoint-reached"
	case KindDropped:
		return "dropped"
	}
	return "unknown"
}

// DropReason tells why a subscription was dropped.
type DropReason uint8

const (
	// DropConnectionLost means the transport connection was lost or closed.
	DropConnectionLost DropReason = iota + 1
	// DropGroupDeleted means the persistent subscription group was deleted.
	DropGroupDeleted
	// DropGroupUpdated means the group was recreated by an update.
	DropGroupUpdated
	// DropStopped means the consumer nacked an event with NackStop.
	DropStopped
	// DropServerError means the server sent an error or a malformed message.
	DropServerError
)

func (r DropReason) String() string {
	switch r {
	case DropConnectionLost:
		return "connection-lost"
	case DropGroupDeleted:
		return "group-deleted"
	case DropGroupUpdated:
		return "group-updated"
	case DropStopped:
		return "stopped"
	case DropServerError:
		return "server-error"
	}
	return "unknown"
}

// SubscriptionEvent is one item of a subscription. Kind selects which of the
// other fields are set.
type SubscriptionEvent struct {
	Kind SubscriptionEventKind

	// SubscriptionID is set on KindConfirmation.
	SubscriptionID string

	// Event is set on KindEventAppeared.
	Event *RecordedEvent
	// RetryCount is the number of prior deliveries of Event. Always zero for
	// catch-up subscriptions.
	RetryCount int

	// Position is set on KindCheckpointReached.
	Position uint64

	// Reason and Err are set on KindDropped.
	Reason DropReason
	Err    error
}

type commandKind uint8

const (
	commandAck commandKind = iota + 1
	commandNack
)

// command is an outbound ack or nack of one in-flight event.
type command struct {
	kind   commandKind
	action NackAction
	reason string
	event  *RecordedEvent
	entry  *inflightEntry
}

// controlChannel pairs the inbound event channel of one subscription with its
// outbound command channel and carries the lifecycle of both. The pump
// goroutine feeding events, the reader calling next and the acknowledger
// sending commands may all run on different goroutines.
type controlChannel struct {
	id  string
	key string
	log logrus.FieldLogger

	events   chan *SubscriptionEvent
	commands chan command
	done     chan struct{}

	once    sync.Once
	mu      sync.Mutex
	closed  bool
	final   *SubscriptionEvent
	cancel  context.CancelFunc
	release func()
}

// newControlChannel creates a channel pair. commandBuffer of zero creates a
// channel without an outbound side.
func newControlChannel(id, key string, commandBuffer int, log logrus.FieldLogger) *controlChannel {
	ch := &controlChannel{
		id:     id,
		key:    key,
		log:    log,
		events: make(chan *SubscriptionEvent),
		done:   make(chan struct{}),
	}
	if commandBuffer > 0 {
		ch.commands = make(chan command, commandBuffer)
	}
	return ch
}

// start records the function releasing the transport resources and returns
// the context the pump runs under.
func (ch *controlChannel) start(release func()) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	release = func(f func()) func() {
		return func() { once.Do(f) }
	}(release)

	ch.mu.Lock()
	ch.cancel = cancel
	ch.release = release
	ch.mu.Unlock()

	// Dropped before the transport was attached.
	if ch.isDone() {
		cancel()
		release()
	}
	return ctx
}

// deliver hands an item to the reader. It returns false once the channel is
// done, in which case the pump must stop.
func (ch *controlChannel) deliver(ev *SubscriptionEvent) bool {
	select {
	case <-ch.done:
		return false
	default:
	}
	select {
	case ch.events <- ev:
		return true
	case <-ch.done:
		return false
	}
}

// next blocks until the next item, the end of the channel or ctx is done.
// After the terminal item it returns io.EOF.
func (ch *controlChannel) next(ctx context.Context) (*SubscriptionEvent, error) {
	select {
	case <-ch.done:
		return ch.terminal()
	default:
	}

	select {
	case ev := <-ch.events:
		ch.mu.Lock()
		closed := ch.closed
		ch.mu.Unlock()
		if closed {
			return nil, io.EOF
		}
		return ev, nil
	case <-ch.done:
		return ch.terminal()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ch *controlChannel) terminal() (*SubscriptionEvent, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.final == nil {
		return nil, io.EOF
	}
	ev := ch.final
	ch.final = nil
	return ev, nil
}

// send enqueues a command. It only blocks while the outbound buffer is full.
func (ch *controlChannel) send(cmd command) error {
	select {
	case <-ch.done:
		return ErrSubscriptionClosed
	default:
	}
	select {
	case ch.commands <- cmd:
		return nil
	case <-ch.done:
		return ErrSubscriptionClosed
	}
}

func (ch *controlChannel) isDone() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// drop ends the channel with a Dropped item. Only the first of drop and
// close has an effect.
func (ch *controlChannel) drop(reason DropReason, err error) {
	ch.once.Do(func() {
		ch.mu.Lock()
		ch.final = &SubscriptionEvent{
			Kind:   KindDropped,
			Reason: reason,
			Err:    err,
		}
		ch.mu.Unlock()
		ch.log.WithError(err).WithField("reason", reason).Warn("subscription dropped")
		ch.shutdown()
	})
}

// close ends the channel on behalf of the consumer. No further items are
// returned, including a pending Dropped item.
func (ch *controlChannel) close() {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.once.Do(func() {
		ch.log.Debug("subscription closed")
		ch.shutdown()
	})
}

func (ch *controlChannel) shutdown() {
	close(ch.done)
	ch.mu.Lock()
	cancel, release := ch.cancel, ch.release
	ch.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if release != nil {
		release()
	}
}

// channelRegistry tracks the open channels of one client so that connection
// loss and group deletion can be fanned out to them.
type channelRegistry struct {
	mu sync.Mutex
	m  map[*controlChannel]struct{}
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{
		m: make(map[*controlChannel]struct{}),
	}
}

func (r *channelRegistry) add(ch *controlChannel) {
	r.mu.Lock()
	r.m[ch] = struct{}{}
	r.mu.Unlock()
}

func (r *channelRegistry) remove(ch *controlChannel) {
	r.mu.Lock()
	delete(r.m, ch)
	r.mu.Unlock()
}

// snapshot returns the registered channels matching the predicate. Channels
// are dropped outside of the lock since dropping removes them.
func (r *channelRegistry) snapshot(match func(*controlChannel) bool) []*controlChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*controlChannel
	for ch := range r.m {
		if match == nil || match(ch) {
			out = append(out, ch)
		}
	}
	return out
}
