package eventide

import (
	"context"
	"time"

	"github.com/bruth/eventide/codec"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConsumerStrategy is how a group spreads events over its sessions.
type ConsumerStrategy string

const (
	// RoundRobin hands each event to the next session with capacity.
	RoundRobin ConsumerStrategy = "RoundRobin"
	// DispatchToSingle prefers one session until it is full.
	DispatchToSingle ConsumerStrategy = "DispatchToSingle"
	// Pinned prefers the same session for the same stream.
	Pinned ConsumerStrategy = "Pinned"
)

// PersistentSubscriptionSettings configure a persistent subscription group.
//
// MessageTimeout, MaxRetryCount and LiveBufferSize are enforced by the
// server. The remaining settings are stored with the group and returned by
// GetPersistentSubscription.
type PersistentSubscriptionSettings struct {
	ResolveLinkTos  bool         `json:"resolve_link_tos"`
	StartFrom       ReadPosition `json:"start_from"`
	ExtraStatistics bool         `json:"extra_statistics"`

	// MessageTimeout is how long an event may stay unacknowledged before it
	// is redelivered.
	MessageTimeout time.Duration `json:"message_timeout"`
	// MaxRetryCount is how often an event is redelivered before the server
	// gives up on it.
	MaxRetryCount int32 `json:"max_retry_count"`

	CheckpointAfter    time.Duration `json:"checkpoint_after"`
	MinCheckpointCount int32         `json:"min_checkpoint_count"`
	MaxCheckpointCount int32         `json:"max_checkpoint_count"`

	// MaxSubscriberCount of zero means unlimited.
	MaxSubscriberCount int32 `json:"max_subscriber_count"`
	// LiveBufferSize caps the unacknowledged events in flight for the group.
	LiveBufferSize    int32 `json:"live_buffer_size"`
	ReadBatchSize     int32 `json:"read_batch_size"`
	HistoryBufferSize int32 `json:"history_buffer_size"`

	ConsumerStrategy ConsumerStrategy `json:"consumer_strategy"`
}

// DefaultPersistentSubscriptionSettings returns the settings used when none
// are given.
func DefaultPersistentSubscriptionSettings() PersistentSubscriptionSettings {
	return PersistentSubscriptionSettings{
		StartFrom:          End,
		MessageTimeout:     30 * time.Second,
		MaxRetryCount:      10,
		CheckpointAfter:    2 * time.Second,
		MinCheckpointCount: 10,
		MaxCheckpointCount: 1000,
		LiveBufferSize:     500,
		ReadBatchSize:      20,
		HistoryBufferSize:  500,
		ConsumerStrategy:   RoundRobin,
	}
}

// Validate checks the settings without contacting the server.
func (s *PersistentSubscriptionSettings) Validate() error {
	switch {
	case s.MessageTimeout <= 0:
		return errors.Wrap(ErrInvalidSettings, "message timeout must be positive")
	case s.MaxRetryCount <= 0:
		return errors.Wrap(ErrInvalidSettings, "max retry count must be positive")
	case s.CheckpointAfter <= 0:
		return errors.Wrap(ErrInvalidSettings, "checkpoint after must be positive")
	case s.MinCheckpointCount <= 0:
		return errors.Wrap(ErrInvalidSettings, "min checkpoint count must be positive")
	case s.MaxCheckpointCount < s.MinCheckpointCount:
		return errors.Wrap(ErrInvalidSettings, "max checkpoint count is less than min checkpoint count")
	case s.MaxSubscriberCount < 0:
		return errors.Wrap(ErrInvalidSettings, "max subscriber count must not be negative")
	case s.LiveBufferSize <= 0:
		return errors.Wrap(ErrInvalidSettings, "live buffer size must be positive")
	case s.ReadBatchSize <= 0:
		return errors.Wrap(ErrInvalidSettings, "read batch size must be positive")
	case s.HistoryBufferSize <= 0:
		return errors.Wrap(ErrInvalidSettings, "history buffer size must be positive")
	}
	switch s.ConsumerStrategy {
	case "", RoundRobin, DispatchToSingle, Pinned:
	default:
		return errors.Wrapf(ErrInvalidSettings, "unknown consumer strategy %q", s.ConsumerStrategy)
	}
	return nil
}

// groupDescriptor is stored as the description of the consumer backing a
// group.
type groupDescriptor struct {
	Stream   string                         `json:"stream"`
	Group    string                         `json:"group"`
	Settings PersistentSubscriptionSettings `json:"settings"`
}

func decodeDescriptor(info *nats.ConsumerInfo) (*groupDescriptor, bool) {
	if info == nil || info.Config.Description == "" {
		return nil, false
	}
	var d groupDescriptor
	if err := codec.JSON.Unmarshal([]byte(info.Config.Description), &d); err != nil {
		return nil, false
	}
	if d.Group == "" || d.Stream == "" {
		return nil, false
	}
	return &d, true
}

// PersistentSubscriptionStats are the server side counters of a group.
type PersistentSubscriptionStats struct {
	// Pending is the number of events not yet delivered.
	Pending uint64
	// InFlight is the number of events delivered but not acknowledged.
	InFlight int
	// Redelivered is the number of in-flight events delivered more than once.
	Redelivered int
	// Waiting is the number of sessions waiting for events.
	Waiting int
	// LastDeliveredPosition is the global position of the last delivered event.
	LastDeliveredPosition uint64
	// AckFloorPosition is the global position below which every event is acknowledged.
	AckFloorPosition uint64
}

// PersistentSubscriptionInfo describes a group.
type PersistentSubscriptionInfo struct {
	StreamID  string
	GroupName string
	Settings  PersistentSubscriptionSettings
	Created   time.Time
	Stats     PersistentSubscriptionStats
}

func groupInfo(d *groupDescriptor, info *nats.ConsumerInfo) *PersistentSubscriptionInfo {
	return &PersistentSubscriptionInfo{
		StreamID:  d.Stream,
		GroupName: d.Group,
		Settings:  d.Settings,
		Created:   info.Created,
		Stats: PersistentSubscriptionStats{
			Pending:               info.NumPending,
			InFlight:              info.NumAckPending,
			Redelivered:           info.NumRedelivered,
			Waiting:               info.NumWaiting,
			LastDeliveredPosition: info.Delivered.Stream,
			AckFloorPosition:      info.AckFloor.Stream,
		},
	}
}

func validateGroup(stream, group string) error {
	if stream != AllStream {
		if err := ValidateStreamID(stream); err != nil {
			return err
		}
	}
	return validateGroupName(group)
}

// resolveSettings validates the settings, falling back to the defaults for nil.
func resolveSettings(stream string, settings *PersistentSubscriptionSettings) (PersistentSubscriptionSettings, error) {
	s := DefaultPersistentSubscriptionSettings()
	if settings != nil {
		s = *settings
	}
	if s.ConsumerStrategy == "" {
		s.ConsumerStrategy = RoundRobin
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	if _, ok := s.StartFrom.Revision(); ok && stream == AllStream {
		return s, errors.Wrap(ErrInvalidSettings, "revision start on $all")
	}
	return s, nil
}

// startPolicy maps the start position of a group onto a deliver policy.
func (c *Client) startPolicy(ctx context.Context, stream string, from ReadPosition) (nats.DeliverPolicy, uint64, error) {
	switch {
	case from.IsStart():
		return nats.DeliverAllPolicy, 0, nil
	case from.IsEnd():
		return nats.DeliverNewPolicy, 0, nil
	}

	if p, ok := from.Global(); ok {
		return nats.DeliverByStartSequencePolicy, maxUint64(p, 1), nil
	}

	r, _ := from.Revision()
	res, err := c.ReadStream(ctx, stream, Revision(r), Single)
	if err != nil {
		return 0, 0, err
	}
	if res.Kind == ReadOK {
		defer res.Events.Close()
		ev, err := res.Events.Next(ctx)
		if err == nil {
			return nats.DeliverByStartSequencePolicy, ev.Position, nil
		}
	}

	// The revision does not exist yet. Start with the next event appended
	// to the store.
	info, err := c.js.StreamInfo(c.store, nats.Context(ctx))
	if err != nil {
		return 0, 0, errors.Wrap(err, "resolve start revision")
	}
	return nats.DeliverByStartSequencePolicy, info.State.LastSeq + 1, nil
}

func (c *Client) consumerConfig(stream, group string, s PersistentSubscriptionSettings) (*nats.ConsumerConfig, error) {
	desc, err := codec.JSON.Marshal(&groupDescriptor{
		Stream:   stream,
		Group:    group,
		Settings: s,
	})
	if err != nil {
		return nil, err
	}
	return &nats.ConsumerConfig{
		Durable:       durableName(stream, group),
		Description:   string(desc),
		FilterSubject: c.subject(stream),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       s.MessageTimeout,
		MaxDeliver:    int(s.MaxRetryCount) + 1,
		MaxAckPending: int(s.LiveBufferSize),
		ReplayPolicy:  nats.ReplayInstantPolicy,
	}, nil
}

func (c *Client) consumerInfo(ctx context.Context, stream, group string) (*nats.ConsumerInfo, error) {
	info, err := c.js.ConsumerInfo(c.store, durableName(stream, group), nats.Context(ctx))
	if err != nil {
		if isConsumerNotFound(err) {
			return nil, errors.Wrapf(ErrPersistentSubscriptionNotFound, "%s::%s", stream, group)
		}
		if isStreamNotFound(err) {
			return nil, ErrStoreNotFound
		}
		return nil, errors.Wrapf(err, "persistent subscription %s::%s", stream, group)
	}
	return info, nil
}

// CreatePersistentSubscription creates a group on a stream, or on AllStream.
// Nil settings use DefaultPersistentSubscriptionSettings.
func (c *Client) CreatePersistentSubscription(ctx context.Context, stream, group string, settings *PersistentSubscriptionSettings) error {
	if err := validateGroup(stream, group); err != nil {
		return err
	}
	s, err := resolveSettings(stream, settings)
	if err != nil {
		return err
	}

	_, err = c.consumerInfo(ctx, stream, group)
	if err == nil {
		return errors.Wrapf(ErrPersistentSubscriptionExists, "%s::%s", stream, group)
	}
	if !errors.Is(err, ErrPersistentSubscriptionNotFound) {
		return err
	}

	cfg, err := c.consumerConfig(stream, group, s)
	if err != nil {
		return err
	}
	cfg.DeliverPolicy, cfg.OptStartSeq, err = c.startPolicy(ctx, stream, s.StartFrom)
	if err != nil {
		return err
	}

	if _, err := c.js.AddConsumer(c.store, cfg, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "create persistent subscription %s::%s", stream, group)
	}

	c.log.WithFields(logrus.Fields{
		"stream": stream,
		"group":  group,
	}).Debug("persistent subscription created")

	return nil
}

// UpdatePersistentSubscription replaces the settings of an existing group.
// A changed start position recreates the group, which drops the sessions
// of this client connected to it.
func (c *Client) UpdatePersistentSubscription(ctx context.Context, stream, group string, settings *PersistentSubscriptionSettings) error {
	if err := validateGroup(stream, group); err != nil {
		return err
	}
	s, err := resolveSettings(stream, settings)
	if err != nil {
		return err
	}

	info, err := c.consumerInfo(ctx, stream, group)
	if err != nil {
		return err
	}

	cfg, err := c.consumerConfig(stream, group, s)
	if err != nil {
		return err
	}

	log := c.log.WithFields(logrus.Fields{
		"stream": stream,
		"group":  group,
	})

	if prev, ok := decodeDescriptor(info); ok && prev.Settings.StartFrom == s.StartFrom {
		cfg.DeliverPolicy = info.Config.DeliverPolicy
		cfg.OptStartSeq = info.Config.OptStartSeq
		if _, err := c.js.UpdateConsumer(c.store, cfg, nats.Context(ctx)); err != nil {
			return errors.Wrapf(err, "update persistent subscription %s::%s", stream, group)
		}
		log.Debug("persistent subscription updated")
		return nil
	}

	cfg.DeliverPolicy, cfg.OptStartSeq, err = c.startPolicy(ctx, stream, s.StartFrom)
	if err != nil {
		return err
	}

	// Sessions are dropped first so they do not observe the deleted consumer.
	c.dropGroup(stream, group, DropGroupUpdated)
	if err := c.js.DeleteConsumer(c.store, cfg.Durable, nats.Context(ctx)); err != nil && !isConsumerNotFound(err) {
		return errors.Wrapf(err, "update persistent subscription %s::%s", stream, group)
	}

	if _, err := c.js.AddConsumer(c.store, cfg, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "update persistent subscription %s::%s", stream, group)
	}

	log.Debug("persistent subscription recreated")
	return nil
}

// DeletePersistentSubscription deletes a group. Sessions connected to it
// are dropped with DropGroupDeleted.
func (c *Client) DeletePersistentSubscription(ctx context.Context, stream, group string) error {
	if err := validateGroup(stream, group); err != nil {
		return err
	}

	err := c.js.DeleteConsumer(c.store, durableName(stream, group), nats.Context(ctx))
	if err != nil {
		if isConsumerNotFound(err) {
			return errors.Wrapf(ErrPersistentSubscriptionNotFound, "%s::%s", stream, group)
		}
		if isStreamNotFound(err) {
			return ErrStoreNotFound
		}
		return errors.Wrapf(err, "delete persistent subscription %s::%s", stream, group)
	}

	c.dropGroup(stream, group, DropGroupDeleted)

	c.log.WithFields(logrus.Fields{
		"stream": stream,
		"group":  group,
	}).Debug("persistent subscription deleted")

	return nil
}

func (c *Client) dropGroup(stream, group string, reason DropReason) {
	key := groupKey(stream, group)
	chs := c.channels.snapshot(func(ch *controlChannel) bool {
		return ch.key == key
	})
	for _, ch := range chs {
		ch.drop(reason, nil)
	}
}

// GetPersistentSubscription returns the settings and statistics of a group.
func (c *Client) GetPersistentSubscription(ctx context.Context, stream, group string) (*PersistentSubscriptionInfo, error) {
	if err := validateGroup(stream, group); err != nil {
		return nil, err
	}
	info, err := c.consumerInfo(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	d, ok := decodeDescriptor(info)
	if !ok {
		return nil, errors.Wrapf(ErrPersistentSubscriptionNotFound, "%s::%s", stream, group)
	}
	return groupInfo(d, info), nil
}

// ListPersistentSubscriptions lists the groups of a stream. Listing
// AllStream returns the groups of every stream, including the $all groups.
func (c *Client) ListPersistentSubscriptions(ctx context.Context, stream string) ([]*PersistentSubscriptionInfo, error) {
	if stream != AllStream {
		if err := ValidateStreamID(stream); err != nil {
			return nil, err
		}
	}
	if _, err := c.js.StreamInfo(c.store, nats.Context(ctx)); err != nil {
		if isStreamNotFound(err) {
			return nil, ErrStoreNotFound
		}
		return nil, errors.Wrap(err, "list persistent subscriptions")
	}

	var out []*PersistentSubscriptionInfo
	for info := range c.js.ConsumersInfo(c.store, nats.Context(ctx)) {
		d, ok := decodeDescriptor(info)
		if !ok {
			continue
		}
		if stream != AllStream && d.Stream != stream {
			continue
		}
		out = append(out, groupInfo(d, info))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
