package eventide

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

var (
	ErrInvalidStreamID      = errors.New("eventide: invalid stream id")
	ErrInvalidGroupName     = errors.New("eventide: invalid group name")
	ErrInvalidPosition      = errors.New("eventide: invalid position")
	ErrInvalidMaxCount      = errors.New("eventide: max count must be positive")
	ErrInvalidSettings      = errors.New("eventide: invalid persistent subscription settings")
	ErrEventTypeRequired    = errors.New("eventide: event type required")
	ErrNoEvents             = errors.New("eventide: no events to append")
	ErrDuplicateEvent       = errors.New("eventide: event id already used")
	ErrStreamNotFound       = errors.New("eventide: stream not found")
	ErrStoreNotFound        = errors.New("eventide: store not found")
	ErrWrongExpectedVersion = errors.New("eventide: wrong expected version")

	ErrPersistentSubscriptionExists   = errors.New("eventide: persistent subscription already exists")
	ErrPersistentSubscriptionNotFound = errors.New("eventide: persistent subscription not found")

	ErrEventNotInFlight   = errors.New("eventide: event not in flight")
	ErrSubscriptionClosed = errors.New("eventide: subscription closed")
)

// WrongExpectedVersionError is returned when an append or delete is rejected
// because the stream is not at the expected revision.
type WrongExpectedVersionError struct {
	StreamID string
	Expected ExpectedRevision
	// Actual is the current revision, nil when the stream has no events.
	Actual *uint64
	// Written is the number of events appended before the conflict was detected.
	Written int
}

func (e *WrongExpectedVersionError) Error() string {
	actual := "no stream"
	if e.Actual != nil {
		actual = fmt.Sprintf("%d", *e.Actual)
	}
	msg := fmt.Sprintf("%s: stream %q expected %s, actual %s", ErrWrongExpectedVersion, e.StreamID, e.Expected, actual)
	if e.Written > 0 {
		msg = fmt.Sprintf("%s (%d events written)", msg, e.Written)
	}
	return msg
}

func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}

func errContains(err error, s string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), s)
}

func isSequenceConflict(err error) bool {
	return errContains(err, "wrong last sequence")
}

func isMsgNotFound(err error) bool {
	return errors.Is(err, nats.ErrMsgNotFound) || errContains(err, "no message found")
}

func isStreamNotFound(err error) bool {
	return errors.Is(err, nats.ErrStreamNotFound) || errContains(err, "stream not found")
}

func isConsumerNotFound(err error) bool {
	return errors.Is(err, nats.ErrConsumerNotFound) || errContains(err, "consumer not found")
}

func isConnectionLost(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrBadSubscription)
}
