package codec

import (
	"errors"
	"fmt"
)

// Content types carried on the wire alongside an event payload.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeMsgPack  = "application/msgpack"
	ContentTypeProtobuf = "application/protobuf"
	ContentTypeBinary   = "application/octet-stream"
)

var (
	ErrNotRegistered = errors.New("eventide: codec not registered")

	Default = JSON

	// Codecs lists the names of the built-in codecs.
	Codecs = []string{
		"json",
		"msgpack",
		"protobuf",
		"binary",
	}

	Registry = &codecRegistry{
		m: map[string]Codec{
			"json":     JSON,
			"msgpack":  MsgPack,
			"protobuf": ProtoBuf,
			"binary":   Binary,
		},
	}
)

type codecRegistry struct {
	m map[string]Codec
}

// Get returns the codec registered under name.
func (c *codecRegistry) Get(name string) (Codec, error) {
	x, ok := c.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return x, nil
}

// ForContentType returns the codec that handles the content type. An empty
// content type is treated as binary.
func (c *codecRegistry) ForContentType(ct string) (Codec, error) {
	if ct == "" {
		return Binary, nil
	}
	for _, x := range c.m {
		if x.ContentType() == ct {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%w: content type %s", ErrNotRegistered, ct)
}

type Codec interface {
	Name() string
	ContentType() string
	Marshal(interface{}) ([]byte, error)
	Unmarshal([]byte, interface{}) error
}
