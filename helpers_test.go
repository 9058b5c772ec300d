package eventide

import (
	"context"
	"testing"
	"time"

	"github.com/bruth/eventide/testutil"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const testTimeout = 5 * time.Second

type testEnv struct {
	srv *server.Server
	nc  *nats.Conn
	c   *Client
}

// newTestEnv runs a server with an empty memory store and a client on it.
func newTestEnv(t *testing.T, opts ...ClientOption) *testEnv {
	t.Helper()

	srv := testutil.NewNatsServer(-1)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		testutil.ShutdownNatsServer(srv)
		t.Fatal(err)
	}

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	opts = append([]ClientOption{Logger(log)}, opts...)

	c, err := New(nc, opts...)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := c.CreateStore(ctx, &StoreConfig{Storage: nats.MemoryStorage}); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{srv: srv, nc: nc, c: c}
	t.Cleanup(env.shutdown)
	return env
}

func (e *testEnv) shutdown() {
	e.c.Close()
	e.nc.Close()
	testutil.ShutdownNatsServer(e.srv)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

type indexed struct {
	EventIndex int `json:"event_index"`
}

// appendIndexed appends n JSON events carrying their index, starting at from.
func appendIndexed(t *testing.T, c *Client, stream string, from, n int) *WriteResult {
	t.Helper()
	events := make([]EventData, n)
	for i := range events {
		e, err := NewJSONEvent("indexed", &indexed{EventIndex: from + i})
		if err != nil {
			t.Fatal(err)
		}
		events[i] = e
	}
	res, err := c.AppendToStream(testContext(t), stream, events)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

type nexter interface {
	Next(ctx context.Context) (*SubscriptionEvent, error)
}

// nextItem returns the next subscription item or fails the test.
func nextItem(t *testing.T, sub nexter) *SubscriptionEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %s", err)
	}
	return ev
}

// nextEvent skips to the next EventAppeared item.
func nextEvent(t *testing.T, sub nexter) *SubscriptionEvent {
	t.Helper()
	for {
		ev := nextItem(t, sub)
		switch ev.Kind {
		case KindEventAppeared:
			return ev
		case KindDropped:
			t.Fatalf("dropped: %s: %v", ev.Reason, ev.Err)
		}
	}
}

// eventually polls cond until it holds or the test timeout passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// nextDropped skips to the Dropped item.
func nextDropped(t *testing.T, sub nexter) *SubscriptionEvent {
	t.Helper()
	for {
		ev := nextItem(t, sub)
		if ev.Kind == KindDropped {
			return ev
		}
	}
}
