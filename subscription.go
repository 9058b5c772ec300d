package eventide

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SubscribeToStreamOptions configures a catch-up subscription to one stream.
type SubscribeToStreamOptions struct {
	// From is the position after which events are delivered. Default is End,
	// which only delivers events appended after the subscription is
	// established. Use Start to receive the whole stream first.
	From ReadPosition
}

// SubscribeToAllOptions configures a catch-up subscription to the global log.
type SubscribeToAllOptions struct {
	// From is the global position after which events are delivered. Default
	// is End. Revision positions are not valid.
	From ReadPosition

	// Filter restricts the delivered events.
	Filter *SubscriptionFilter
}

// Subscription is a catch-up subscription. The first item is always a
// Confirmation, followed by the events in log order until the subscription
// is closed or dropped.
type Subscription struct {
	ch *controlChannel
}

// ID is the id carried by the Confirmation item.
func (s *Subscription) ID() string {
	return s.ch.id
}

// Next blocks until the next item. After the Dropped item, or once the
// subscription is closed, it returns io.EOF.
func (s *Subscription) Next(ctx context.Context) (*SubscriptionEvent, error) {
	return s.ch.next(ctx)
}

// Close ends the subscription. Buffered items are discarded and no Dropped
// item is delivered. It does not block and may be called more than once.
func (s *Subscription) Close() error {
	s.ch.close()
	return nil
}

// catchUp describes where a catch-up subscription starts and what it passes.
type catchUp struct {
	stream string
	start  nats.SubOpt
	// afterRevision skips events up to and including the revision.
	afterRevision *uint64
	filter        *eventFilter
}

// SubscribeToStream subscribes to the events of a stream. The stream does
// not need to exist yet.
func (c *Client) SubscribeToStream(ctx context.Context, stream string, opts SubscribeToStreamOptions) (*Subscription, error) {
	if stream == AllStream {
		return c.SubscribeToAll(ctx, SubscribeToAllOptions{From: opts.From})
	}
	if err := ValidateStreamID(stream); err != nil {
		return nil, err
	}

	cu := catchUp{stream: stream}
	from := opts.From
	if from == (ReadPosition{}) {
		from = End
	}

	switch {
	case from.IsStart():
		cu.start = nats.DeliverAll()
	case from.IsEnd():
		cu.start = nats.DeliverNew()
	default:
		if r, ok := from.Revision(); ok {
			cu.start = nats.DeliverAll()
			cu.afterRevision = &r
		} else if p, ok := from.Global(); ok {
			cu.start = nats.StartSequence(p + 1)
		}
	}

	return c.subscribe(ctx, cu)
}

// SubscribeToAll subscribes to the global log.
func (c *Client) SubscribeToAll(ctx context.Context, opts SubscribeToAllOptions) (*Subscription, error) {
	cu := catchUp{stream: AllStream}

	from := opts.From
	if from == (ReadPosition{}) {
		from = End
	}

	switch {
	case from.IsStart():
		cu.start = nats.DeliverAll()
	case from.IsEnd():
		cu.start = nats.DeliverNew()
	default:
		p, ok := from.Global()
		if !ok {
			return nil, errors.Wrap(ErrInvalidPosition, "revision on $all")
		}
		cu.start = nats.StartSequence(p + 1)
	}

	f, err := compileFilter(opts.Filter, c.log)
	if err != nil {
		return nil, err
	}
	cu.filter = f

	return c.subscribe(ctx, cu)
}

func (c *Client) subscribe(ctx context.Context, cu catchUp) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subID := c.sid.New()
	log := c.log.WithFields(logrus.Fields{
		"stream":       cu.stream,
		"subscription": subID,
	})

	sub, err := c.js.SubscribeSync(c.subject(cu.stream),
		nats.OrderedConsumer(),
		nats.BindStream(c.store),
		cu.start,
	)
	if err != nil {
		if isStreamNotFound(err) {
			return nil, ErrStoreNotFound
		}
		return nil, errors.Wrapf(err, "subscribe %s", cu.stream)
	}

	ch := newControlChannel(subID, cu.stream, 0, log)
	c.channels.add(ch)

	pctx := ch.start(func() {
		c.channels.remove(ch)
		sub.Unsubscribe()
	})

	// The connection may have been lost between subscribing and registering.
	if c.nc.IsClosed() {
		ch.drop(DropConnectionLost, nats.ErrConnectionClosed)
	}

	go c.pump(pctx, ch, sub, cu)

	log.Debug("subscribed")

	return &Subscription{ch: ch}, nil
}

// pump moves messages from the consumer into the channel until the channel
// is done or the consumer fails.
func (c *Client) pump(ctx context.Context, ch *controlChannel, sub *nats.Subscription, cu catchUp) {
	if !ch.deliver(&SubscriptionEvent{Kind: KindConfirmation, SubscriptionID: ch.id}) {
		return
	}

	var scanned uint64
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ch.drop(classifyDrop(err), err)
			return
		}

		ev, _, err := unpackMsg(c.prefix, msg)
		if err != nil {
			ch.drop(DropServerError, err)
			return
		}

		if cu.afterRevision != nil && ev.Revision <= *cu.afterRevision {
			continue
		}

		scanned++
		if cu.filter.match(ev) {
			if !ch.deliver(&SubscriptionEvent{Kind: KindEventAppeared, Event: ev}) {
				return
			}
		}

		if cu.filter != nil && cu.filter.interval > 0 && scanned%uint64(cu.filter.interval) == 0 {
			if !ch.deliver(&SubscriptionEvent{Kind: KindCheckpointReached, Position: ev.Position}) {
				return
			}
		}
	}
}

// classifyDrop maps a consumer error to the reason reported to the reader.
func classifyDrop(err error) DropReason {
	if isConnectionLost(err) {
		return DropConnectionLost
	}
	return DropServerError
}
