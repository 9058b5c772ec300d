package eventide

import (
	"context"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// ReadKind tells whether a read found its stream.
type ReadKind uint8

const (
	ReadOK ReadKind = iota + 1
	ReadStreamNotFound
)

func (k ReadKind) String() string {
	switch k {
	case ReadOK:
		return "ok"
	case ReadStreamNotFound:
		return "stream-not-found"
	}
	return "unknown"
}

// ReadResult is the outcome of a batch read. Events is set when Kind is
// ReadOK. StreamID is the stream that was read, exactly as requested.
type ReadResult struct {
	Kind     ReadKind
	StreamID string
	Events   *EventStream
}

// EventStream is the forward-only sequence of events of a batch read. The
// underlying consumer is only created on the first call to Next. An
// EventStream is not safe for concurrent use.
type EventStream struct {
	c       *Client
	subject string
	start   nats.SubOpt

	// bound is the last global position of the read range.
	bound uint64
	// minRevision skips events of a stream read that precede it.
	minRevision uint64

	remaining uint64
	// last is the global position of the last message received.
	last uint64

	sub  *nats.Subscription
	done bool
}

func emptyEventStream() *EventStream {
	return &EventStream{done: true}
}

// Next returns the next event or io.EOF when the range is exhausted.
func (s *EventStream) Next(ctx context.Context) (*RecordedEvent, error) {
	for {
		if s.done || s.remaining == 0 {
			s.Close()
			return nil, io.EOF
		}

		if s.sub == nil {
			sub, err := s.c.js.SubscribeSync(s.subject,
				nats.OrderedConsumer(),
				nats.BindStream(s.c.store),
				s.start,
			)
			if err != nil {
				s.done = true
				return nil, errors.Wrapf(err, "read %s", s.subject)
			}
			s.sub = sub
		}

		idleCtx, cancel := context.WithTimeout(ctx, s.c.readIdle)
		msg, err := s.sub.NextMsgWithContext(idleCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// Events of the range may be removed while the read is in
				// progress, in which case the bound is never observed.
				drained, ierr := s.drained()
				if ierr != nil {
					return nil, ierr
				}
				if drained {
					s.Close()
					return nil, io.EOF
				}
				return nil, errors.Wrapf(err, "read %s: idle after position %d", s.subject, s.last)
			}
			s.Close()
			return nil, errors.Wrapf(err, "read %s", s.subject)
		}

		ev, md, err := unpackMsg(s.c.prefix, msg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.last = ev.Position

		if ev.Position >= s.bound || md.NumPending == 0 {
			s.done = true
		}
		if ev.Position > s.bound {
			s.Close()
			return nil, io.EOF
		}
		if ev.Revision < s.minRevision {
			continue
		}

		s.remaining--
		return ev, nil
	}
}

// drained reports whether the consumer has nothing left to deliver: no
// matching message is pending and none was sent beyond the last one received.
func (s *EventStream) drained() (bool, error) {
	info, err := s.sub.ConsumerInfo()
	if err != nil {
		return false, errors.Wrapf(err, "read %s: consumer info", s.subject)
	}
	return info.NumPending == 0 && info.Delivered.Stream <= s.last, nil
}

// Collect drains the stream into a slice and closes it.
func (s *EventStream) Collect(ctx context.Context) ([]*RecordedEvent, error) {
	defer s.Close()
	var events []*RecordedEvent
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

// Close releases the consumer. It is safe to call more than once.
func (s *EventStream) Close() {
	s.done = true
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

// ReadStream reads up to maxCount events of a stream forward from the given
// position. A read of a stream without events reports ReadStreamNotFound.
// Reading AllStream is the same as ReadAll.
func (c *Client) ReadStream(ctx context.Context, stream string, from ReadPosition, maxCount uint64) (*ReadResult, error) {
	if stream == AllStream {
		return c.ReadAll(ctx, from, maxCount)
	}
	if err := ValidateStreamID(stream); err != nil {
		return nil, err
	}
	if maxCount == 0 {
		return nil, ErrInvalidMaxCount
	}

	subject := c.subject(stream)
	t, err := c.tail(ctx, subject)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return &ReadResult{Kind: ReadStreamNotFound, StreamID: stream}, nil
	}

	es := &EventStream{
		c:         c,
		subject:   subject,
		bound:     t.seq,
		remaining: maxCount,
	}

	switch {
	case from.IsStart():
		es.start = nats.DeliverAll()
	case from.IsEnd():
		es = emptyEventStream()
	default:
		if r, ok := from.Revision(); ok {
			if r > t.revision {
				es = emptyEventStream()
				break
			}
			// Revisions are not addressable by the server, so the read starts
			// at the beginning of the stream and skips ahead.
			es.start = nats.DeliverAll()
			es.minRevision = r
		} else if p, ok := from.Global(); ok {
			if p > t.seq {
				es = emptyEventStream()
				break
			}
			es.start = nats.StartSequence(maxUint64(p, 1))
		}
	}

	c.log.WithField("stream", stream).WithField("from", from).Debug("read stream")

	return &ReadResult{
		Kind:     ReadOK,
		StreamID: stream,
		Events:   es,
	}, nil
}

// ReadAll reads up to maxCount events of the global log forward from the
// given position. Revision positions are not valid for the global log.
func (c *Client) ReadAll(ctx context.Context, from ReadPosition, maxCount uint64) (*ReadResult, error) {
	if maxCount == 0 {
		return nil, ErrInvalidMaxCount
	}
	if _, ok := from.Revision(); ok {
		return nil, errors.Wrap(ErrInvalidPosition, "revision on $all")
	}

	info, err := c.js.StreamInfo(c.store, nats.Context(ctx))
	if err != nil {
		if isStreamNotFound(err) {
			return nil, ErrStoreNotFound
		}
		return nil, errors.Wrap(err, "read $all")
	}

	res := &ReadResult{
		Kind:     ReadOK,
		StreamID: AllStream,
		Events:   emptyEventStream(),
	}

	last := info.State.LastSeq
	if info.State.Msgs == 0 || from.IsEnd() {
		return res, nil
	}

	es := &EventStream{
		c:         c,
		subject:   c.subject(AllStream),
		bound:     last,
		remaining: maxCount,
		start:     nats.DeliverAll(),
	}
	if p, ok := from.Global(); ok {
		if p > last {
			return res, nil
		}
		es.start = nats.StartSequence(maxUint64(p, 1))
	}
	res.Events = es

	c.log.WithField("from", from).Debug("read $all")

	return res, nil
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
