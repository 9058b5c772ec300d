package eventide

import (
	"io"
	"testing"
	"time"

	"github.com/bruth/eventide/testutil"
)

func startSettings() *PersistentSubscriptionSettings {
	s := DefaultPersistentSubscriptionSettings()
	s.StartFrom = Start
	return &s
}

func TestPersistentSubscriptionSettingsValidate(t *testing.T) {
	tests := []struct {
		Name   string
		Modify func(s *PersistentSubscriptionSettings)
		Valid  bool
	}{
		{"defaults", func(s *PersistentSubscriptionSettings) {}, true},
		{"empty-strategy", func(s *PersistentSubscriptionSettings) { s.ConsumerStrategy = "" }, true},
		{"pinned", func(s *PersistentSubscriptionSettings) { s.ConsumerStrategy = Pinned }, true},
		{"unknown-strategy", func(s *PersistentSubscriptionSettings) { s.ConsumerStrategy = "Random" }, false},
		{"zero-timeout", func(s *PersistentSubscriptionSettings) { s.MessageTimeout = 0 }, false},
		{"zero-retries", func(s *PersistentSubscriptionSettings) { s.MaxRetryCount = 0 }, false},
		{"negative-subscribers", func(s *PersistentSubscriptionSettings) { s.MaxSubscriberCount = -1 }, false},
		{"checkpoint-bounds", func(s *PersistentSubscriptionSettings) { s.MaxCheckpointCount = s.MinCheckpointCount - 1 }, false},
		{"zero-live-buffer", func(s *PersistentSubscriptionSettings) { s.LiveBufferSize = 0 }, false},
		{"zero-read-batch", func(s *PersistentSubscriptionSettings) { s.ReadBatchSize = 0 }, false},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			is := testutil.NewIs(t)
			s := DefaultPersistentSubscriptionSettings()
			test.Modify(&s)
			err := s.Validate()
			if test.Valid {
				is.NoErr(err)
			} else {
				is.Err(err, ErrInvalidSettings)
			}
		})
	}
}

func TestPersistentSubscriptionGroups(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		Name string
		Run  func(t *testing.T, c *Client, stream string)
	}{
		{
			"create-twice",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", nil))
				err := c.CreatePersistentSubscription(ctx, stream, "g", nil)
				is.Err(err, ErrPersistentSubscriptionExists)
			},
		},
		{
			"missing-group",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				err := c.UpdatePersistentSubscription(ctx, stream, "g", nil)
				is.Err(err, ErrPersistentSubscriptionNotFound)

				err = c.DeletePersistentSubscription(ctx, stream, "g")
				is.Err(err, ErrPersistentSubscriptionNotFound)

				_, err = c.GetPersistentSubscription(ctx, stream, "g")
				is.Err(err, ErrPersistentSubscriptionNotFound)

				_, _, err = c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Err(err, ErrPersistentSubscriptionNotFound)
			},
		},
		{
			"invalid",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				err := c.CreatePersistentSubscription(ctx, stream, "a.b", nil)
				is.Err(err, ErrInvalidGroupName)

				err = c.CreatePersistentSubscription(ctx, stream, "", nil)
				is.Err(err, ErrInvalidGroupName)

				s := DefaultPersistentSubscriptionSettings()
				s.MessageTimeout = 0
				err = c.CreatePersistentSubscription(ctx, stream, "g", &s)
				is.Err(err, ErrInvalidSettings)

				s = DefaultPersistentSubscriptionSettings()
				s.StartFrom = Revision(3)
				err = c.CreatePersistentSubscription(ctx, AllStream, "g", &s)
				is.Err(err, ErrInvalidSettings)
			},
		},
		{
			"get-and-update",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				s := startSettings()
				s.MaxRetryCount = 1000
				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", s))

				info, err := c.GetPersistentSubscription(ctx, stream, "g")
				is.Require(err)
				is.Equal(info.StreamID, stream)
				is.Equal(info.GroupName, "g")
				is.Equal(info.Settings.MaxRetryCount, int32(1000))
				is.True(info.Settings.StartFrom.IsStart())
				is.Equal(info.Settings.ConsumerStrategy, RoundRobin)

				s.MessageTimeout = time.Minute
				is.NoErr(c.UpdatePersistentSubscription(ctx, stream, "g", s))

				info, err = c.GetPersistentSubscription(ctx, stream, "g")
				is.Require(err)
				is.Equal(info.Settings.MessageTimeout, time.Minute)
				is.Equal(info.Settings.MaxRetryCount, int32(1000))
			},
		},
		{
			"list",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				other := stream + "-other"
				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g1", nil))
				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g2", nil))
				is.NoErr(c.CreatePersistentSubscription(ctx, other, "g1", nil))

				infos, err := c.ListPersistentSubscriptions(ctx, stream)
				is.Require(err)
				is.Equal(len(infos), 2)
				for _, info := range infos {
					is.Equal(info.StreamID, stream)
				}

				infos, err = c.ListPersistentSubscriptions(ctx, other)
				is.Require(err)
				is.Equal(len(infos), 1)

				is.NoErr(c.DeletePersistentSubscription(ctx, stream, "g2"))
				infos, err = c.ListPersistentSubscriptions(ctx, stream)
				is.Require(err)
				is.Equal(len(infos), 1)
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			test.Run(t, env.c, testutil.StreamID(test.Name))
		})
	}
}

func TestListPersistentSubscriptionsAll(t *testing.T) {
	is := testutil.NewIs(t)
	env := newTestEnv(t)
	ctx := testContext(t)

	is.NoErr(env.c.CreatePersistentSubscription(ctx, "a", "g", nil))
	is.NoErr(env.c.CreatePersistentSubscription(ctx, "b", "g", nil))
	is.NoErr(env.c.CreatePersistentSubscription(ctx, AllStream, "g", nil))

	infos, err := env.c.ListPersistentSubscriptions(ctx, AllStream)
	is.Require(err)
	is.Equal(len(infos), 3)
}

func TestPersistentSubscriptionSession(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		Name string
		Run  func(t *testing.T, c *Client, stream string)
	}{
		{
			"ack",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 5)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)
				defer r.Close()

				ev := nextItem(t, r)
				is.Equal(ev.Kind, KindConfirmation)
				is.Equal(ev.SubscriptionID, r.ID())

				for i := 0; i < 5; i++ {
					ev := nextEvent(t, r)
					is.Equal(ev.Event.Revision, uint64(i))
					is.Equal(ev.RetryCount, 0)
					is.NoErr(a.Ack(ev.Event))
				}

				appendIndexed(t, c, stream, 5, 5)

				for i := 5; i < 10; i++ {
					ev := nextEvent(t, r)
					var v indexed
					is.NoErr(ev.Event.Decode(&v))
					is.Equal(v.EventIndex, i)
					is.NoErr(a.Ack(ev.Event))
				}

				eventually(t, func() bool {
					info, err := c.GetPersistentSubscription(ctx, stream, "g")
					return err == nil && info.Stats.AckFloorPosition == 10 && info.Stats.InFlight == 0
				})
			},
		},
		{
			"nack-retry",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 1)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)
				defer r.Close()

				ev := nextEvent(t, r)
				is.Equal(ev.RetryCount, 0)
				is.NoErr(a.Nack(NackRetry, "try again", ev.Event))

				ev = nextEvent(t, r)
				is.Equal(ev.Event.Revision, uint64(0))
				is.Equal(ev.RetryCount, 1)
				is.NoErr(a.Ack(ev.Event))
			},
		},
		{
			"not-in-flight",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 1)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)
				defer r.Close()

				ev := nextEvent(t, r)

				unknown := &RecordedEvent{ID: "unknown"}
				is.Err(a.Ack(ev.Event, unknown), ErrEventNotInFlight)
				is.Err(a.Ack(nil), ErrEventNotInFlight)
				is.NoErr(a.Nack(NackRetry, "", unknown))

				// The failed ack above sent nothing, so the event is still in flight.
				is.NoErr(a.Ack(ev.Event))
				is.Err(a.Ack(ev.Event), ErrEventNotInFlight)
			},
		},
		{
			"skip",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 2)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)
				defer r.Close()

				first := nextEvent(t, r)
				is.NoErr(a.Nack(NackSkip, "bad", first.Event))

				second := nextEvent(t, r)
				is.Equal(second.Event.Revision, uint64(1))
				is.Equal(second.RetryCount, 0)
			},
		},
		{
			"park",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 1)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)
				defer r.Close()

				ev := nextEvent(t, r)
				is.NoErr(a.Nack(NackPark, "poison", ev.Event))

				parked := ParkedStreamID(stream, "g")
				is.True(IsSystemStream(parked))

				var events []*RecordedEvent
				eventually(t, func() bool {
					res, err := c.ReadStream(ctx, parked, Start, 10)
					if err != nil || res.Kind != ReadOK {
						return false
					}
					events, err = res.Events.Collect(ctx)
					return err == nil && len(events) == 1
				})
				is.Equal(events[0].ID, ev.Event.ID)
				is.Equal(events[0].Type, ev.Event.Type)
				is.Equal(events[0].Data, ev.Event.Data)
			},
		},
		{
			"stop",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 1)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)

				ev := nextEvent(t, r)
				is.NoErr(a.Nack(NackStop, "shutting down", ev.Event))

				ev = nextDropped(t, r)
				is.Equal(ev.Reason, DropStopped)

				select {
				case <-a.Done():
				case <-time.After(testTimeout):
					t.Fatal("acknowledger not done")
				}

				is.Err(a.Ack(&RecordedEvent{ID: "x"}), ErrEventNotInFlight)
			},
		},
		{
			"group-deleted",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))

				r, _, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)

				is.Equal(nextItem(t, r).Kind, KindConfirmation)

				is.NoErr(c.DeletePersistentSubscription(ctx, stream, "g"))

				ev := nextDropped(t, r)
				is.Equal(ev.Reason, DropGroupDeleted)
			},
		},
		{
			"group-deleted-by-other-client",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				other, err := New(c.nc, Logger(quietLogger()))
				is.Require(err)
				defer other.Close()

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))

				r, a, err := other.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)

				is.Equal(nextItem(t, r).Kind, KindConfirmation)

				is.NoErr(c.DeletePersistentSubscription(ctx, stream, "g"))

				ev := nextDropped(t, r)
				is.Equal(ev.Reason, DropGroupDeleted)

				_, err = r.Next(ctx)
				is.Equal(err, io.EOF)

				select {
				case <-a.Done():
				case <-time.After(testTimeout):
					t.Fatal("acknowledger not done")
				}
			},
		},
		{
			"connection-lost",
			func(t *testing.T, _ *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				// The connection is closed, so the session gets a server of its own.
				env := newTestEnv(t)
				c := env.c

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))
				appendIndexed(t, c, stream, 0, 1)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)

				ev := nextEvent(t, r)

				env.nc.Close()

				ev = nextDropped(t, r)
				is.Equal(ev.Reason, DropConnectionLost)

				_, err = r.Next(ctx)
				is.Equal(err, io.EOF)

				select {
				case <-a.Done():
				case <-time.After(testTimeout):
					t.Fatal("acknowledger not done")
				}
			},
		},
		{
			"group-recreated",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", startSettings()))

				r, _, err := c.ConnectPersistentSubscription(ctx, stream, "g", nil)
				is.Require(err)

				is.Equal(nextItem(t, r).Kind, KindConfirmation)

				s := DefaultPersistentSubscriptionSettings()
				is.NoErr(c.UpdatePersistentSubscription(ctx, stream, "g", &s))

				ev := nextDropped(t, r)
				is.Equal(ev.Reason, DropGroupUpdated)

				info, err := c.GetPersistentSubscription(ctx, stream, "g")
				is.Require(err)
				is.True(info.Settings.StartFrom.IsEnd())
			},
		},
		{
			"ack-wait-runs-from-fetch",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				s := startSettings()
				s.MessageTimeout = time.Second
				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", s))
				appendIndexed(t, c, stream, 0, 2)

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", &ConnectOptions{BufferSize: 2})
				is.Require(err)
				defer r.Close()

				first := nextEvent(t, r)
				is.NoErr(a.Ack(first.Event))

				// The second event of the batch waits in the session meanwhile.
				time.Sleep(1500 * time.Millisecond)

				stale := nextEvent(t, r)
				is.Equal(stale.Event.Revision, uint64(1))
				is.Err(a.Ack(stale.Event), ErrEventNotInFlight)

				again := nextEvent(t, r)
				is.Equal(again.Event.Revision, uint64(1))
				is.True(again.RetryCount >= 1)
				is.NoErr(a.Ack(again.Event))
			},
		},
		{
			"start-from-revision",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				appendIndexed(t, c, stream, 0, 5)

				s := DefaultPersistentSubscriptionSettings()
				s.StartFrom = Revision(3)
				is.NoErr(c.CreatePersistentSubscription(ctx, stream, "g", &s))

				r, a, err := c.ConnectPersistentSubscription(ctx, stream, "g", &ConnectOptions{BufferSize: 1})
				is.Require(err)
				defer r.Close()

				ev := nextEvent(t, r)
				is.Equal(ev.Event.Revision, uint64(3))
				is.NoErr(a.Ack(ev.Event))

				ev = nextEvent(t, r)
				is.Equal(ev.Event.Revision, uint64(4))
				is.NoErr(a.Ack(ev.Event))
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			test.Run(t, env.c, testutil.StreamID(test.Name))
		})
	}
}

func TestParseNackAction(t *testing.T) {
	is := testutil.NewIs(t)

	for _, a := range []NackAction{NackUnknown, NackPark, NackRetry, NackSkip, NackStop} {
		got, err := ParseNackAction(a.String())
		is.NoErr(err)
		is.Equal(got, a)
	}

	_, err := ParseNackAction("later")
	is.Err(err, nil)
}
