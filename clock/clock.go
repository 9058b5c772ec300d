package clock

import "time"

var (
	// Time is the wall clock. Event creation times come from it unless the
	// client is configured otherwise.
	Time Clock = &realClock{}
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now().UTC()
}
