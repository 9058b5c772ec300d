package eventide

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/bruth/eventide/codec"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const (
	eventIDHdr          = "Eventide-Event-Id"
	eventTypeHdr        = "Eventide-Event-Type"
	eventContentTypeHdr = "Eventide-Content-Type"
	eventRevisionHdr    = "Eventide-Revision"
	eventCreatedHdr     = "Eventide-Created"
	eventMetadataHdr    = "Eventide-Metadata"
	eventCreatedFormat  = time.RFC3339Nano

	expectedLastSubjSeqHdr = "Nats-Expected-Last-Subject-Sequence"
)

// Content types understood by RecordedEvent.Decode.
const (
	ContentTypeJSON     = codec.ContentTypeJSON
	ContentTypeBinary   = codec.ContentTypeBinary
	ContentTypeMsgPack  = codec.ContentTypeMsgPack
	ContentTypeProtobuf = codec.ContentTypeProtobuf
)

// EventData is an event as supplied by a producer. The fields are fixed once
// the event is appended.
type EventData struct {
	// ID of the event. A UUID is generated if empty. The id is also used for
	// server side de-duplication of retried appends.
	ID string

	// Type is the application defined name of the event.
	Type string

	// ContentType tags the payload encoding. Defaults to binary.
	ContentType string

	// Data is the encoded payload.
	Data []byte

	// Metadata is optional application metadata.
	Metadata []byte
}

// NewJSONEvent encodes v as JSON.
func NewJSONEvent(eventType string, v any) (EventData, error) {
	b, err := codec.JSON.Marshal(v)
	if err != nil {
		return EventData{}, errors.Wrapf(err, "encode %s", eventType)
	}
	return EventData{
		Type:        eventType,
		ContentType: ContentTypeJSON,
		Data:        b,
	}, nil
}

// NewBinaryEvent wraps an already encoded payload.
func NewBinaryEvent(eventType string, data []byte) EventData {
	return EventData{
		Type:        eventType,
		ContentType: ContentTypeBinary,
		Data:        data,
	}
}

// RecordedEvent is an event as stored. It is immutable: the producer fields
// are carried over from EventData and the positions are assigned by the store.
type RecordedEvent struct {
	ID          string
	Type        string
	ContentType string
	Data        []byte
	Metadata    []byte

	// StreamID is the stream the event was appended to.
	StreamID string

	// Revision is the zero-based position of the event within its stream.
	Revision uint64

	// Position is the position of the event in the global log.
	Position uint64

	// Created is the time the event was appended.
	Created time.Time
}

// IsJSON reports whether the payload is tagged as JSON.
func (e *RecordedEvent) IsJSON() bool {
	return e.ContentType == ContentTypeJSON
}

// Decode unmarshals the payload into v with the codec of its content type.
func (e *RecordedEvent) Decode(v any) error {
	c, err := codec.Registry.ForContentType(e.ContentType)
	if err != nil {
		return err
	}
	return c.Unmarshal(e.Data, v)
}

func (e *RecordedEvent) data() EventData {
	return EventData{
		ID:          e.ID,
		Type:        e.Type,
		ContentType: e.ContentType,
		Data:        e.Data,
		Metadata:    e.Metadata,
	}
}

// packEvent packs an event into a NATS message. Everything but the payload
// travels in headers.
func packEvent(subject string, event *EventData, msgID string, revision uint64, created time.Time) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = event.Data
	msg.Header.Set(nats.MsgIdHdr, msgID)
	msg.Header.Set(eventIDHdr, event.ID)
	msg.Header.Set(eventTypeHdr, event.Type)
	msg.Header.Set(eventContentTypeHdr, event.ContentType)
	msg.Header.Set(eventRevisionHdr, strconv.FormatUint(revision, 10))
	msg.Header.Set(eventCreatedHdr, created.Format(eventCreatedFormat))
	if len(event.Metadata) > 0 {
		msg.Header.Set(eventMetadataHdr, base64.StdEncoding.EncodeToString(event.Metadata))
	}
	return msg
}

// unpackEvent rebuilds a recorded event from its stored form. The position is
// not part of the message itself and is passed in.
func unpackEvent(prefix, subject string, hdr nats.Header, data []byte, position uint64) (*RecordedEvent, error) {
	if hdr == nil || hdr.Get(eventTypeHdr) == "" {
		return nil, errors.Errorf("unpack: %s@%d: not an event", subject, position)
	}

	revision, err := strconv.ParseUint(hdr.Get(eventRevisionHdr), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack: %s@%d: revision", subject, position)
	}

	created, err := time.Parse(eventCreatedFormat, hdr.Get(eventCreatedHdr))
	if err != nil {
		return nil, errors.Wrapf(err, "unpack: %s@%d: created", subject, position)
	}

	var meta []byte
	if m := hdr.Get(eventMetadataHdr); m != "" {
		meta, err = base64.StdEncoding.DecodeString(m)
		if err != nil {
			return nil, errors.Wrapf(err, "unpack: %s@%d: metadata", subject, position)
		}
	}

	return &RecordedEvent{
		ID:          hdr.Get(eventIDHdr),
		Type:        hdr.Get(eventTypeHdr),
		ContentType: hdr.Get(eventContentTypeHdr),
		Data:        data,
		Metadata:    meta,
		StreamID:    strings.TrimPrefix(subject, prefix+"."),
		Revision:    revision,
		Position:    position,
		Created:     created,
	}, nil
}

// unpackMsg unpacks an event delivered by a JetStream consumer.
func unpackMsg(prefix string, msg *nats.Msg) (*RecordedEvent, *nats.MsgMetadata, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, nil, errors.Wrap(err, "unpack: failed to get metadata")
	}
	ev, err := unpackEvent(prefix, msg.Subject, msg.Header, msg.Data, md.Sequence.Stream)
	if err != nil {
		return nil, nil, err
	}
	return ev, md, nil
}
