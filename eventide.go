package eventide

import (
	"context"
	"strings"
	"time"

	"github.com/bruth/eventide/clock"
	"github.com/bruth/eventide/config"
	"github.com/bruth/eventide/id"
	"github.com/bruth/eventide/types"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStoreName = "events"

	defaultReadIdleTimeout = 5 * time.Second
)

type clientOption func(o *Client) error

func (f clientOption) addOption(o *Client) error {
	return f(o)
}

// ClientOption models an option when creating a client.
type ClientOption interface {
	addOption(o *Client) error
}

// StoreName sets the JetStream stream backing the store. It also serves as
// the subject prefix of every event stream. Default is "events".
func StoreName(name string) ClientOption {
	return clientOption(func(o *Client) error {
		if name == "" || strings.ContainsAny(name, ".*> \t\r\n") {
			return errors.Errorf("eventide: invalid store name %q", name)
		}
		o.store = name
		o.prefix = name
		return nil
	})
}

// TypeRegistry sets an explicit type registry used by NewEvent and Decode.
func TypeRegistry(types *types.Registry) ClientOption {
	return clientOption(func(o *Client) error {
		o.types = types
		return nil
	})
}

// Clock sets a clock implementation. Default is clock.Time.
func Clock(clock clock.Clock) ClientOption {
	return clientOption(func(o *Client) error {
		o.clock = clock
		return nil
	})
}

// ID sets the event ID generator used when an event has no ID. Default is id.UUID.
func ID(id id.ID) ClientOption {
	return clientOption(func(o *Client) error {
		o.id = id
		return nil
	})
}

// Logger sets the logger. Default is the logrus standard logger.
func Logger(log logrus.FieldLogger) ClientOption {
	return clientOption(func(o *Client) error {
		o.log = log
		return nil
	})
}

// ReadIdleTimeout bounds how long a batch read waits for the next event
// before treating the range as exhausted. This only matters when events in
// the range are removed while the read is in progress.
func ReadIdleTimeout(d time.Duration) ClientOption {
	return clientOption(func(o *Client) error {
		if d <= 0 {
			return errors.New("eventide: read idle timeout must be positive")
		}
		o.readIdle = d
		return nil
	})
}

// Client appends to, reads from and subscribes to an event store.
// It is safe for concurrent use.
type Client struct {
	nc *nats.Conn
	js nats.JetStreamContext

	store  string
	prefix string

	id       id.ID
	sid      id.ID
	clock    clock.Clock
	types    *types.Registry
	log      logrus.FieldLogger
	readIdle time.Duration

	// ownsConn is set when the client dialed the connection itself.
	ownsConn bool

	channels *channelRegistry
}

// New initializes a new client with a NATS connection. The client installs
// disconnect and close handlers on the connection, chaining any handlers
// already set, so that open subscriptions are dropped when the connection is lost.
func New(nc *nats.Conn, opts ...ClientOption) (*Client, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	c := &Client{
		nc:       nc,
		js:       js,
		store:    DefaultStoreName,
		prefix:   DefaultStoreName,
		id:       id.UUID,
		sid:      id.NUID,
		clock:    clock.Time,
		log:      logrus.StandardLogger(),
		readIdle: defaultReadIdleTimeout,
		channels: newChannelRegistry(),
	}

	for _, o := range opts {
		if err := o.addOption(c); err != nil {
			return nil, err
		}
	}

	c.log = c.log.WithField("store", c.store)
	c.watchConn()

	return c, nil
}

// Dial connects using the settings and returns a client that owns the
// connection. Closing the client closes the connection.
func Dial(s *config.Settings, opts ...ClientOption) (*Client, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	nc, err := nats.Connect(s.URL(), s.NatsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "eventide: connect")
	}

	if s.Store != "" {
		opts = append([]ClientOption{StoreName(s.Store)}, opts...)
	}

	c, err := New(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	c.ownsConn = true

	c.log.WithFields(logrus.Fields{
		"servers":         s.Servers,
		"node_preference": s.NodePreference,
	}).Debug("connected")

	return c, nil
}

func (c *Client) watchConn() {
	prevDisconnect := c.nc.Opts.DisconnectedErrCB
	c.nc.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		if prevDisconnect != nil {
			prevDisconnect(nc, err)
		}
		c.connectionLost(err)
	})

	prevClosed := c.nc.Opts.ClosedCB
	c.nc.SetClosedHandler(func(nc *nats.Conn) {
		if prevClosed != nil {
			prevClosed(nc)
		}
		c.connectionLost(nats.ErrConnectionClosed)
	})
}

func (c *Client) connectionLost(err error) {
	chs := c.channels.snapshot(nil)
	if len(chs) == 0 {
		return
	}
	c.log.WithError(err).Warnf("connection lost, dropping %d subscriptions", len(chs))
	for _, ch := range chs {
		ch.drop(DropConnectionLost, err)
	}
}

// Close closes every open subscription. If the client dialed its own
// connection, the connection is closed too.
func (c *Client) Close() error {
	for _, ch := range c.channels.snapshot(nil) {
		ch.close()
	}
	if c.ownsConn {
		c.nc.Close()
	}
	return nil
}

// NewEvent builds an event from a value whose type is registered in the
// client's type registry.
func (c *Client) NewEvent(v any) (EventData, error) {
	if c.types == nil {
		return EventData{}, errors.New("eventide: no type registry configured")
	}
	if x, ok := v.(Validator); ok {
		if err := x.Validate(); err != nil {
			return EventData{}, err
		}
	}
	typ, ct, data, err := c.types.Encode(v)
	if err != nil {
		return EventData{}, err
	}
	return EventData{
		Type:        typ,
		ContentType: ct,
		Data:        data,
	}, nil
}

// DecodeEvent decodes the payload of a recorded event into a new value of
// its registered type.
func (c *Client) DecodeEvent(e *RecordedEvent) (any, error) {
	if c.types == nil {
		return nil, errors.New("eventide: no type registry configured")
	}
	return c.types.Decode(e.Type, e.Data)
}

// StoreConfig is a subset of nats.StreamConfig for the stream backing the store.
type StoreConfig struct {
	// Description associated with the store.
	Description string
	// Storage for the stream.
	Storage nats.StorageType
	// Replicas of the stream.
	Replicas int
	// Placement of the stream replicas.
	Placement *nats.Placement
	// Duplicates is the window in which appends of an already seen event id
	// are ignored. Zero uses the server default.
	Duplicates time.Duration
}

func (c *Client) streamConfig(config *StoreConfig) *nats.StreamConfig {
	if config == nil {
		config = &StoreConfig{}
	}
	return &nats.StreamConfig{
		Name:        c.store,
		Description: config.Description,
		Subjects:    []string{c.prefix + ".>"},
		Storage:     config.Storage,
		Replicas:    config.Replicas,
		Placement:   config.Placement,
		Duplicates:  config.Duplicates,
		// Events are immutable. Deleting a stream purges its subject.
		DenyDelete: true,
	}
}

// CreateStore creates the stream backing the store. It is a no-op if the
// stream already exists.
func (c *Client) CreateStore(ctx context.Context, config *StoreConfig) error {
	_, err := c.js.StreamInfo(c.store, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !isStreamNotFound(err) {
		return errors.Wrap(err, "eventide: store info")
	}

	_, err = c.js.AddStream(c.streamConfig(config), nats.Context(ctx))
	if err != nil {
		return errors.Wrap(err, "eventide: create store")
	}
	c.log.Debug("store created")
	return nil
}

// UpdateStore updates the configuration of the stream backing the store.
func (c *Client) UpdateStore(ctx context.Context, config *StoreConfig) error {
	_, err := c.js.UpdateStream(c.streamConfig(config), nats.Context(ctx))
	if isStreamNotFound(err) {
		return ErrStoreNotFound
	}
	return errors.Wrap(err, "eventide: update store")
}

// DeleteStore deletes the stream backing the store and every event in it.
func (c *Client) DeleteStore(ctx context.Context) error {
	err := c.js.DeleteStream(c.store, nats.Context(ctx))
	if isStreamNotFound(err) {
		return ErrStoreNotFound
	}
	return errors.Wrap(err, "eventide: delete store")
}
