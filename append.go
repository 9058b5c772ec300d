package eventide

import (
	"context"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxAppendAttempts bounds how often an append with Any re-reads the stream
// tail after losing a race with a concurrent writer.
const maxAppendAttempts = 10

type expectedKind uint8

const (
	expectAny expectedKind = iota
	expectNoStream
	expectStreamExists
	expectExact
)

// ExpectedRevision is the optimistic concurrency check applied by appends
// and deletes.
type ExpectedRevision struct {
	kind  expectedKind
	value uint64
}

var (
	// Any skips the check.
	Any = ExpectedRevision{kind: expectAny}
	// NoStream requires that the stream has no events.
	NoStream = ExpectedRevision{kind: expectNoStream}
	// StreamExists requires that the stream has at least one event.
	StreamExists = ExpectedRevision{kind: expectStreamExists}
)

// Exact requires the stream's last event to be at revision r.
func Exact(r uint64) ExpectedRevision {
	return ExpectedRevision{kind: expectExact, value: r}
}

func (e ExpectedRevision) String() string {
	switch e.kind {
	case expectNoStream:
		return "no-stream"
	case expectStreamExists:
		return "stream-exists"
	case expectExact:
		return strconv.FormatUint(e.value, 10)
	}
	return "any"
}

// check verifies the expectation against the current tail.
func (e ExpectedRevision) check(t *streamTail) bool {
	switch e.kind {
	case expectNoStream:
		return t == nil
	case expectStreamExists:
		return t != nil
	case expectExact:
		return t != nil && t.revision == e.value
	}
	return true
}

type writeOpts struct {
	expected ExpectedRevision
	// dedupe uses the event id as the message id so that the server drops
	// repeated appends of the same event.
	dedupe bool
}

// WriteOption is an option for AppendToStream and DeleteStream.
type WriteOption interface {
	writeOpt(o *writeOpts) error
}

type writeOptFn func(o *writeOpts) error

func (f writeOptFn) writeOpt(o *writeOpts) error {
	return f(o)
}

// ExpectRevision sets the expected revision of the stream. Default is Any.
func ExpectRevision(r ExpectedRevision) WriteOption {
	return writeOptFn(func(o *writeOpts) error {
		o.expected = r
		return nil
	})
}

// WriteResult is the outcome of a successful append.
type WriteResult struct {
	// NextExpectedRevision is the revision of the last appended event.
	NextExpectedRevision uint64
	// Position is the global position of the last appended event.
	Position uint64
}

// DeleteResult is the outcome of a successful delete.
type DeleteResult struct {
	// Position is the global log position at the time of the delete.
	Position uint64
}

// streamTail is the last event of a stream.
type streamTail struct {
	seq      uint64
	revision uint64
}

func (t *streamTail) revisionPtr() *uint64 {
	if t == nil {
		return nil
	}
	r := t.revision
	return &r
}

// tail queries the last event of the stream. It returns nil if the stream
// has no events.
func (c *Client) tail(ctx context.Context, subject string) (*streamTail, error) {
	raw, err := c.js.GetLastMsg(c.store, subject, nats.Context(ctx))
	if err != nil {
		if isMsgNotFound(err) {
			return nil, nil
		}
		if isStreamNotFound(err) {
			return nil, ErrStoreNotFound
		}
		return nil, errors.Wrapf(err, "tail %s", subject)
	}

	rev, err := strconv.ParseUint(raw.Header.Get(eventRevisionHdr), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "tail %s: revision", subject)
	}

	return &streamTail{
		seq:      raw.Sequence,
		revision: rev,
	}, nil
}

// AppendToStream appends events to the stream in order. Events without an ID
// are assigned one. The expected revision, if set, is checked against the
// stream before the first event is written. With Any, the events of
// concurrent appends to the same stream may interleave.
func (c *Client) AppendToStream(ctx context.Context, stream string, events []EventData, opts ...WriteOption) (*WriteResult, error) {
	o := writeOpts{
		expected: Any,
		dedupe:   true,
	}
	for _, opt := range opts {
		if err := opt.writeOpt(&o); err != nil {
			return nil, err
		}
	}
	return c.appendToStream(ctx, stream, events, o)
}

func (c *Client) appendToStream(ctx context.Context, stream string, events []EventData, o writeOpts) (*WriteResult, error) {
	if err := validateWritableStream(stream); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	prepared := make([]EventData, len(events))
	for i, e := range events {
		if e.Type == "" {
			return nil, errors.Wrapf(ErrEventTypeRequired, "event %d", i)
		}
		if e.ID == "" {
			e.ID = c.id.New()
		}
		if e.ContentType == "" {
			e.ContentType = ContentTypeBinary
		}
		prepared[i] = e
	}

	subject := c.subject(stream)
	log := c.log.WithField("stream", stream)

	var written int
	remaining := prepared
	for attempt := 1; ; attempt++ {
		t, err := c.tail(ctx, subject)
		if err != nil {
			return nil, err
		}

		if written == 0 && !o.expected.check(t) {
			return nil, &WrongExpectedVersionError{
				StreamID: stream,
				Expected: o.expected,
				Actual:   t.revisionPtr(),
			}
		}

		res, n, err := c.publish(ctx, subject, remaining, t, o.dedupe)
		written += n
		if err == nil {
			log.WithFields(logrus.Fields{
				"count":    len(prepared),
				"revision": res.NextExpectedRevision,
			}).Debug("appended")
			return res, nil
		}

		if !isSequenceConflict(err) {
			return nil, err
		}

		// A concurrent writer got in between two events. Under Any the
		// remaining events continue from the new tail.
		if o.expected.kind == expectAny && attempt < maxAppendAttempts {
			remaining = remaining[n:]
			log.WithField("attempt", attempt).Debug("append raced, continuing from new tail")
			continue
		}

		actual, terr := c.tail(ctx, subject)
		if terr != nil {
			return nil, terr
		}
		return nil, &WrongExpectedVersionError{
			StreamID: stream,
			Expected: o.expected,
			Actual:   actual.revisionPtr(),
			Written:  written,
		}
	}
}

// publish writes the events one by one, each conditional on the subject's
// last sequence being the one written before it.
func (c *Client) publish(ctx context.Context, subject string, events []EventData, t *streamTail, dedupe bool) (*WriteResult, int, error) {
	var (
		lastSeq uint64
		nextRev uint64
		res     WriteResult
	)
	if t != nil {
		lastSeq = t.seq
		nextRev = t.revision + 1
	}

	for i := range events {
		e := &events[i]

		msgID := dedupeID(subject, e.ID)
		if !dedupe {
			msgID = c.sid.New()
		}

		msg := packEvent(subject, e, msgID, nextRev, c.clock.Now())
		msg.Header.Set(nats.ExpectedStreamHdr, c.store)
		msg.Header.Set(expectedLastSubjSeqHdr, strconv.FormatUint(lastSeq, 10))

		ack, err := c.js.PublishMsg(msg, nats.Context(ctx))
		if err != nil {
			if isSequenceConflict(err) {
				return nil, i, err
			}
			if isStreamNotFound(err) {
				return nil, i, ErrStoreNotFound
			}
			return nil, i, errors.Wrapf(err, "append %s: event %d", subject, i)
		}

		if ack.Duplicate {
			// The ack carries the sequence of the message stored first. It only
			// counts as this event if it is still there, in this stream.
			rev, err := c.duplicateOf(ctx, subject, e.ID, ack.Sequence)
			if err != nil {
				return nil, i, err
			}
			t, err := c.tail(ctx, subject)
			if err != nil {
				return nil, i, err
			}
			if t == nil {
				return nil, i, errors.Wrapf(ErrDuplicateEvent, "append %s: event %s", subject, e.ID)
			}
			lastSeq, nextRev = t.seq, t.revision+1
			res = WriteResult{NextExpectedRevision: rev, Position: ack.Sequence}
			continue
		}

		res = WriteResult{NextExpectedRevision: nextRev, Position: ack.Sequence}
		lastSeq = ack.Sequence
		nextRev++
	}

	return &res, len(events), nil
}

// dedupeID is the message id of an event. The server deduplicates across
// the whole store, so the id is scoped to the subject of the stream.
func dedupeID(subject, eventID string) string {
	return subject + "/" + eventID
}

// duplicateOf verifies that the message at seq is the event eventID of the
// subject and returns its revision.
func (c *Client) duplicateOf(ctx context.Context, subject, eventID string, seq uint64) (uint64, error) {
	raw, err := c.js.GetMsg(c.store, seq, nats.Context(ctx))
	if err != nil {
		if isMsgNotFound(err) {
			return 0, errors.Wrapf(ErrDuplicateEvent, "append %s: event %s was removed", subject, eventID)
		}
		return 0, errors.Wrapf(err, "append %s: duplicate of %d", subject, seq)
	}
	if raw.Subject != subject || raw.Header.Get(eventIDHdr) != eventID {
		return 0, errors.Wrapf(ErrDuplicateEvent, "append %s: event %s collides with %s@%d", subject, eventID, raw.Subject, seq)
	}
	rev, err := strconv.ParseUint(raw.Header.Get(eventRevisionHdr), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "append %s: duplicate of %d: revision", subject, seq)
	}
	return rev, nil
}

// DeleteStream removes every event of the stream. Reads of a deleted stream
// report it as not found, and a later append starts the stream over at
// revision 0.
func (c *Client) DeleteStream(ctx context.Context, stream string, opts ...WriteOption) (*DeleteResult, error) {
	o := writeOpts{expected: Any}
	for _, opt := range opts {
		if err := opt.writeOpt(&o); err != nil {
			return nil, err
		}
	}

	if err := validateWritableStream(stream); err != nil {
		return nil, err
	}

	subject := c.subject(stream)
	t, err := c.tail(ctx, subject)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Wrapf(ErrStreamNotFound, "delete %q", stream)
	}
	if !o.expected.check(t) {
		return nil, &WrongExpectedVersionError{
			StreamID: stream,
			Expected: o.expected,
			Actual:   t.revisionPtr(),
		}
	}

	err = c.js.PurgeStream(c.store, &nats.StreamPurgeRequest{Subject: subject}, nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "delete %q", stream)
	}

	info, err := c.js.StreamInfo(c.store, nats.Context(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "delete %q: store info", stream)
	}

	c.log.WithField("stream", stream).Debug("stream deleted")

	return &DeleteResult{Position: info.State.LastSeq}, nil
}
