package eventide

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type positionKind uint8

const (
	positionStart positionKind = iota
	positionEnd
	positionRevision
	positionGlobal
)

// ReadPosition is a cursor into a stream or into the global log. Reads
// include the event at an explicit position, subscriptions start after it.
type ReadPosition struct {
	kind  positionKind
	value uint64
}

var (
	// Start is the first event of a stream or of the global log.
	Start = ReadPosition{kind: positionStart}
	// End is the position after the last event. Subscriptions from End only
	// see events appended after they are established.
	End = ReadPosition{kind: positionEnd}
)

// Revision is an explicit per-stream revision. It is not valid for $all.
func Revision(r uint64) ReadPosition {
	return ReadPosition{kind: positionRevision, value: r}
}

// GlobalPosition is an explicit position in the global log.
func GlobalPosition(p uint64) ReadPosition {
	return ReadPosition{kind: positionGlobal, value: p}
}

func (p ReadPosition) IsStart() bool {
	return p.kind == positionStart
}

func (p ReadPosition) IsEnd() bool {
	return p.kind == positionEnd
}

// Revision returns the stream revision if the position is one.
func (p ReadPosition) Revision() (uint64, bool) {
	return p.value, p.kind == positionRevision
}

// Global returns the global log position if the position is one.
func (p ReadPosition) Global() (uint64, bool) {
	return p.value, p.kind == positionGlobal
}

func (p ReadPosition) String() string {
	switch p.kind {
	case positionEnd:
		return "end"
	case positionRevision:
		return fmt.Sprintf("revision:%d", p.value)
	case positionGlobal:
		return fmt.Sprintf("position:%d", p.value)
	}
	return "start"
}

func (p ReadPosition) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ReadPosition) UnmarshalText(b []byte) error {
	x, err := ParseReadPosition(string(b))
	if err != nil {
		return err
	}
	*p = x
	return nil
}

// ParseReadPosition parses the textual form produced by String: "start",
// "end", "revision:N" or "position:N". A bare number is a revision.
func ParseReadPosition(s string) (ReadPosition, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "", "start":
		return Start, nil
	case "end":
		return End, nil
	}

	kind, num := "revision", s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		kind, num = s[:i], s[i+1:]
	}

	v, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return ReadPosition{}, errors.Wrapf(ErrInvalidPosition, "%q", s)
	}

	switch kind {
	case "revision":
		return Revision(v), nil
	case "position":
		return GlobalPosition(v), nil
	}
	return ReadPosition{}, errors.Wrapf(ErrInvalidPosition, "%q", s)
}
