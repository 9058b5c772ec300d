package testutil

import (
	"fmt"

	"github.com/google/uuid"
)

// StreamID returns a stream id that no other test has written to.
func StreamID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.New())
}
