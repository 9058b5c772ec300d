package eventide

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// AllStream identifies the global log spanning every stream in the store.
// It can be read and subscribed to, but not appended to or deleted.
const AllStream = "$all"

const (
	// Single is the max count for reading at most one event.
	Single uint64 = 1

	systemStreamPrefix = "$"
	parkedStreamFormat = "$persistentsubscription-%s::%s-parked"
)

// ValidateStreamID checks that id can name a stream. Stream ids map onto
// subject tokens, so whitespace, wildcards and empty dot-separated tokens
// are rejected.
func ValidateStreamID(id string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidStreamID, "empty")
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '*' || r == '>' {
			return errors.Wrapf(ErrInvalidStreamID, "%q contains %q", id, r)
		}
	}
	for _, tok := range strings.Split(id, ".") {
		if tok == "" {
			return errors.Wrapf(ErrInvalidStreamID, "%q has an empty token", id)
		}
	}
	return nil
}

// validateWritableStream rejects ids that cannot be appended to or deleted.
func validateWritableStream(id string) error {
	if id == AllStream {
		return errors.Wrap(ErrInvalidStreamID, "$all is read-only")
	}
	return ValidateStreamID(id)
}

// validateGroupName checks a persistent subscription group name. Group names
// become part of a durable consumer name.
func validateGroupName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidGroupName, "empty")
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`.*>/\`, r) {
			return errors.Wrapf(ErrInvalidGroupName, "%q contains %q", name, r)
		}
	}
	return nil
}

// IsSystemStream reports whether the stream is reserved for the store's own
// bookkeeping, e.g. parked persistent subscription events.
func IsSystemStream(id string) bool {
	return strings.HasPrefix(id, systemStreamPrefix)
}

// ParkedStreamID returns the stream parked events of a group are written to.
func ParkedStreamID(stream, group string) string {
	return fmt.Sprintf(parkedStreamFormat, stream, group)
}

func (c *Client) subject(stream string) string {
	if stream == AllStream {
		return c.prefix + ".>"
	}
	return c.prefix + "." + stream
}

func (c *Client) streamFromSubject(subject string) string {
	return strings.TrimPrefix(subject, c.prefix+".")
}

// durableName derives the consumer name of a group. Stream ids may contain
// dots which consumer names cannot, so the stream id is hashed.
func durableName(stream, group string) string {
	sum := sha256.Sum256([]byte(stream))
	return group + "_" + hex.EncodeToString(sum[:8])
}

func groupKey(stream, group string) string {
	return stream + "::" + group
}
