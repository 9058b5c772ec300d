package eventide

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultSessionBufferSize = 10

	fetchWait   = 2 * time.Second
	parkTimeout = 10 * time.Second
)

// NackAction tells the server what to do with a negatively acknowledged event.
type NackAction uint8

const (
	// NackUnknown leaves the decision to the server, which retries the event.
	NackUnknown NackAction = iota
	// NackPark moves the event to the parked stream of the group.
	NackPark
	// NackRetry redelivers the event.
	NackRetry
	// NackSkip drops the event.
	NackSkip
	// NackStop redelivers the event and ends the session.
	NackStop
)

func (a NackAction) String() string {
	switch a {
	case NackPark:
		return "park"
	case NackRetry:
		return "retry"
	case NackSkip:
		return "skip"
	case NackStop:
		return "stop"
	}
	return "unknown"
}

// ParseNackAction parses the String form of an action.
func ParseNackAction(s string) (NackAction, error) {
	switch s {
	case "park":
		return NackPark, nil
	case "retry":
		return NackRetry, nil
	case "skip":
		return NackSkip, nil
	case "stop":
		return NackStop, nil
	case "unknown":
		return NackUnknown, nil
	}
	return NackUnknown, errors.Errorf("eventide: unknown nack action %q", s)
}

// ConnectOptions configure a persistent subscription session.
type ConnectOptions struct {
	// BufferSize is how many events the session requests at once. The next
	// batch is only requested after the reader took the previous one.
	// Default is 10.
	//
	// The message timeout of every event in a batch runs from the moment the
	// batch is fetched, not from when the reader takes the event. An event
	// the reader reaches too late is already redelivered by the server and
	// acking that copy fails with ErrEventNotInFlight. Slow readers should
	// use a small buffer.
	BufferSize int
}

// inflightEntry is an event handed to the reader and not yet resolved.
type inflightEntry struct {
	msg   *nats.Msg
	event *RecordedEvent
}

// session is one connection to a group. The pump fetches events and the
// writer carries out the acks and nacks enqueued by the acknowledger.
type session struct {
	c      *Client
	stream string
	group  string
	ch     *controlChannel
	sub    *nats.Subscription
	batch  int
	log    logrus.FieldLogger

	// inflight is keyed by event id. Entries expire with the message timeout
	// of the group, after which the server redelivers the event.
	inflight *cache.Cache
	ackWait  time.Duration

	// written is closed once the writer carried out every command.
	written chan struct{}
}

// EventReader is the read side of a persistent subscription session.
type EventReader struct {
	s *session
}

// ID is the id carried by the Confirmation item.
func (r *EventReader) ID() string {
	return r.s.ch.id
}

// Next blocks until the next item. RetryCount of an EventAppeared item is
// the number of times the event was delivered before. After the Dropped
// item, or once the session is closed, it returns io.EOF.
//
// Every event must be acknowledged or negatively acknowledged, otherwise
// it is redelivered once the group's message timeout passes.
func (r *EventReader) Next(ctx context.Context) (*SubscriptionEvent, error) {
	return r.s.ch.next(ctx)
}

// Close ends the session. Events not yet acknowledged are redelivered by
// the server after the message timeout.
func (r *EventReader) Close() error {
	r.s.ch.close()
	return nil
}

// EventAcknowledger is the ack side of a persistent subscription session. It
// may be used from a different goroutine than the reader.
type EventAcknowledger struct {
	s *session
}

// Ack acknowledges events delivered by this session. It fails with
// ErrEventNotInFlight, before anything is sent, if any of the events is not
// awaiting an acknowledgement from this session.
func (a *EventAcknowledger) Ack(events ...*RecordedEvent) error {
	entries := make([]*inflightEntry, len(events))
	for i, e := range events {
		if e == nil {
			return errors.Wrap(ErrEventNotInFlight, "ack of nil event")
		}
		entry, ok := a.s.lookup(e)
		if !ok {
			return errors.Wrapf(ErrEventNotInFlight, "ack %s@%d", e.ID, e.Position)
		}
		entries[i] = entry
	}
	for _, entry := range entries {
		a.s.inflight.Delete(entry.event.ID)
		if err := a.s.ch.send(command{kind: commandAck, event: entry.event, entry: entry}); err != nil {
			return err
		}
	}
	return nil
}

// Nack negatively acknowledges events delivered by this session. Events no
// longer awaiting an acknowledgement, for example because they timed out,
// are ignored since the server already took them back.
func (a *EventAcknowledger) Nack(action NackAction, reason string, events ...*RecordedEvent) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		entry, ok := a.s.lookup(e)
		if !ok {
			a.s.log.WithFields(logrus.Fields{
				"event_id": e.ID,
				"action":   action,
			}).Debug("nack of event not in flight ignored")
			continue
		}
		a.s.inflight.Delete(e.ID)
		cmd := command{
			kind:   commandNack,
			action: action,
			reason: reason,
			event:  entry.event,
			entry:  entry,
		}
		if err := a.s.ch.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Stop ends the session, the same as closing the reader.
func (a *EventAcknowledger) Stop() error {
	a.s.ch.close()
	return nil
}

// Done is closed after the session ended and every ack and nack enqueued
// before was sent.
func (a *EventAcknowledger) Done() <-chan struct{} {
	return a.s.written
}

func (s *session) lookup(e *RecordedEvent) (*inflightEntry, bool) {
	v, ok := s.inflight.Get(e.ID)
	if !ok {
		return nil, false
	}
	return v.(*inflightEntry), true
}

// ConnectPersistentSubscription binds a session to an existing group. The
// reader and the acknowledger share the session: closing either ends it.
func (c *Client) ConnectPersistentSubscription(ctx context.Context, stream, group string, opts *ConnectOptions) (*EventReader, *EventAcknowledger, error) {
	if err := validateGroup(stream, group); err != nil {
		return nil, nil, err
	}

	batch := defaultSessionBufferSize
	if opts != nil && opts.BufferSize != 0 {
		if opts.BufferSize < 0 {
			return nil, nil, errors.New("eventide: buffer size must be positive")
		}
		batch = opts.BufferSize
	}

	info, err := c.consumerInfo(ctx, stream, group)
	if err != nil {
		return nil, nil, err
	}

	durable := durableName(stream, group)
	sub, err := c.js.PullSubscribe(c.subject(stream), durable, nats.Bind(c.store, durable))
	if err != nil {
		if isConsumerNotFound(err) {
			return nil, nil, errors.Wrapf(ErrPersistentSubscriptionNotFound, "%s::%s", stream, group)
		}
		return nil, nil, errors.Wrapf(err, "connect %s::%s", stream, group)
	}

	sessionID := c.sid.New()
	log := c.log.WithFields(logrus.Fields{
		"stream":       stream,
		"group":        group,
		"subscription": sessionID,
	})

	ackWait := info.Config.AckWait
	s := &session{
		c:        c,
		stream:   stream,
		group:    group,
		ch:       newControlChannel(sessionID, groupKey(stream, group), batch, log),
		sub:      sub,
		batch:    batch,
		log:      log,
		inflight: cache.New(ackWait, ackWait),
		ackWait:  ackWait,
		written:  make(chan struct{}),
	}

	c.channels.add(s.ch)
	pctx := s.ch.start(func() {
		c.channels.remove(s.ch)
		sub.Unsubscribe()
	})

	if c.nc.IsClosed() {
		s.ch.drop(DropConnectionLost, nats.ErrConnectionClosed)
	}

	go s.write()
	go s.pump(pctx)

	log.Debug("persistent subscription connected")

	return &EventReader{s: s}, &EventAcknowledger{s: s}, nil
}

// pump fetches a batch at a time and hands it to the reader.
func (s *session) pump(ctx context.Context) {
	if !s.ch.deliver(&SubscriptionEvent{Kind: KindConfirmation, SubscriptionID: s.ch.id}) {
		return
	}

	for {
		fetched := time.Now()
		fctx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := s.sub.Fetch(s.batch, nats.Context(fctx))
		cancel()

		if ctx.Err() != nil {
			s.release(msgs)
			return
		}
		if err != nil && len(msgs) == 0 {
			// A consumer deleted by another client only shows up as fetches
			// that time out.
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				if s.groupDeleted(ctx, err) {
					return
				}
				continue
			}
			s.fail(err)
			return
		}

		for i, msg := range msgs {
			ev, md, err := unpackMsg(s.c.prefix, msg)
			if err != nil {
				msg.Term()
				s.release(msgs[i+1:])
				s.ch.drop(DropServerError, err)
				return
			}

			// The server started the ack wait at fetch.
			ttl := s.ackWait - time.Since(fetched)
			if ttl <= 0 {
				s.log.WithField("event_id", ev.ID).Debug("ack wait passed before delivery, left to the server")
				continue
			}
			s.inflight.Set(ev.ID, &inflightEntry{msg: msg, event: ev}, ttl)

			item := &SubscriptionEvent{
				Kind:       KindEventAppeared,
				Event:      ev,
				RetryCount: int(md.NumDelivered) - 1,
			}
			if !s.ch.deliver(item) {
				s.inflight.Delete(ev.ID)
				s.release(msgs[i:])
				return
			}
		}
	}
}

// release hands fetched but undelivered messages back to the server.
func (s *session) release(msgs []*nats.Msg) {
	for _, msg := range msgs {
		msg.Nak()
	}
}

// fail drops the session after a fetch error. A group deleted by another
// client surfaces as a fetch error, so the group is looked up to tell the
// two apart.
func (s *session) fail(err error) {
	if isConnectionLost(err) {
		s.ch.drop(DropConnectionLost, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchWait)
	defer cancel()
	_, ierr := s.c.consumerInfo(ctx, s.stream, s.group)
	switch {
	case errors.Is(ierr, ErrPersistentSubscriptionNotFound):
		s.ch.drop(DropGroupDeleted, err)
	case ierr != nil && isConnectionLost(ierr):
		s.ch.drop(DropConnectionLost, err)
	default:
		s.ch.drop(DropServerError, err)
	}
}

// groupDeleted looks up the group after an empty fetch and drops the session
// if it is gone.
func (s *session) groupDeleted(ctx context.Context, err error) bool {
	ictx, cancel := context.WithTimeout(ctx, fetchWait)
	defer cancel()
	_, ierr := s.c.consumerInfo(ictx, s.stream, s.group)
	if errors.Is(ierr, ErrPersistentSubscriptionNotFound) {
		s.ch.drop(DropGroupDeleted, err)
		return true
	}
	return false
}

// write carries out commands until the session ends. Commands enqueued
// before the end are still carried out.
func (s *session) write() {
	defer close(s.written)
	for {
		select {
		case cmd := <-s.ch.commands:
			s.exec(cmd)
		case <-s.ch.done:
			for {
				select {
				case cmd := <-s.ch.commands:
					s.exec(cmd)
				default:
					return
				}
			}
		}
	}
}

func (s *session) exec(cmd command) {
	msg := cmd.entry.msg
	log := s.log.WithField("event_id", cmd.event.ID)

	var err error
	switch cmd.kind {
	case commandAck:
		err = msg.Ack()
	case commandNack:
		log = log.WithFields(logrus.Fields{
			"action": cmd.action,
			"reason": cmd.reason,
		})
		switch cmd.action {
		case NackSkip:
			err = msg.Term()
		case NackPark:
			err = s.park(cmd.event)
			if err != nil {
				log.WithError(err).Error("park failed, event will be retried")
				err = msg.Nak()
				break
			}
			err = msg.Term()
		case NackStop:
			err = msg.Nak()
			s.ch.drop(DropStopped, nil)
		default:
			err = msg.Nak()
		}
		log.Debug("nacked")
	}

	if err != nil && !isConnectionLost(err) {
		log.WithError(err).Error("command failed")
	}
}

// park copies the event to the parked stream of the group. Parked copies get
// their own message id so they are not rejected as duplicates.
func (s *session) park(e *RecordedEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), parkTimeout)
	defer cancel()
	_, err := s.c.appendToStream(ctx, ParkedStreamID(s.stream, s.group), []EventData{e.data()}, writeOpts{expected: Any})
	return err
}
