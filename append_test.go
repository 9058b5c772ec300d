package eventide

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bruth/eventide/id"
	"github.com/bruth/eventide/testutil"
)

func TestAppendToStream(t *testing.T) {
	ids := testutil.NewIDGen(id.UUID)
	clk := testutil.NewClock(time.Minute)
	env := newTestEnv(t, ID(ids), Clock(clk))

	tests := []struct {
		Name string
		Run  func(t *testing.T, c *Client, stream string)
	}{
		{
			"no-stream-then-exact",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				res, err := c.AppendToStream(ctx, stream, []EventData{NewBinaryEvent("a", []byte("1"))}, ExpectRevision(NoStream))
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(0))
				is.True(res.Position > 0)

				res2, err := c.AppendToStream(ctx, stream, []EventData{
					NewBinaryEvent("b", []byte("2")),
					NewBinaryEvent("c", []byte("3")),
				}, ExpectRevision(Exact(res.NextExpectedRevision)))
				is.Require(err)
				is.Equal(res2.NextExpectedRevision, uint64(2))
				is.True(res2.Position > res.Position)

				_, err = c.AppendToStream(ctx, stream, []EventData{NewBinaryEvent("d", nil)}, ExpectRevision(StreamExists))
				is.NoErr(err)
			},
		},
		{
			"generated-id-and-time",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				_, err := c.AppendToStream(ctx, stream, []EventData{NewBinaryEvent("a", []byte("x"))})
				is.Require(err)

				res, err := c.ReadStream(ctx, stream, Start, Single)
				is.Require(err)
				events, err := res.Events.Collect(ctx)
				is.Require(err)
				is.Equal(len(events), 1)
				is.Equal(events[0].ID, ids.Last())
				is.True(id.IsUUID(events[0].ID))
				is.Equal(events[0].Created, clk.Last())
				is.Equal(events[0].ContentType, ContentTypeBinary)
				is.Equal(events[0].StreamID, stream)
			},
		},
		{
			"wrong-expected-version",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				appendIndexed(t, c, stream, 0, 1)

				_, err := c.AppendToStream(ctx, stream, []EventData{NewBinaryEvent("a", nil)}, ExpectRevision(Exact(5)))
				is.Err(err, ErrWrongExpectedVersion)

				var werr *WrongExpectedVersionError
				is.True(errors.As(err, &werr))
				is.Equal(werr.StreamID, stream)
				is.True(werr.Actual != nil)
				is.Equal(*werr.Actual, uint64(0))
				is.Equal(werr.Written, 0)

				_, err = c.AppendToStream(ctx, stream, []EventData{NewBinaryEvent("a", nil)}, ExpectRevision(NoStream))
				is.Err(err, ErrWrongExpectedVersion)
			},
		},
		{
			"stream-exists-on-missing",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				_, err := c.AppendToStream(testContext(t), stream, []EventData{NewBinaryEvent("a", nil)}, ExpectRevision(StreamExists))
				is.Err(err, ErrWrongExpectedVersion)

				var werr *WrongExpectedVersionError
				is.True(errors.As(err, &werr))
				is.True(werr.Actual == nil)
			},
		},
		{
			"invalid",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				_, err := c.AppendToStream(ctx, stream, nil)
				is.Err(err, ErrNoEvents)

				_, err = c.AppendToStream(ctx, stream, []EventData{{Data: []byte("x")}})
				is.Err(err, ErrEventTypeRequired)

				_, err = c.AppendToStream(ctx, AllStream, []EventData{NewBinaryEvent("a", nil)})
				is.Err(err, ErrInvalidStreamID)

				_, err = c.AppendToStream(ctx, "orders.*", []EventData{NewBinaryEvent("a", nil)})
				is.Err(err, ErrInvalidStreamID)
			},
		},
		{
			"duplicate-append",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				e := NewBinaryEvent("a", []byte("once"))
				e.ID = id.UUID.New()

				res, err := c.AppendToStream(ctx, stream, []EventData{e})
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(0))

				// Append same event with same ID, expect the same response.
				res, err = c.AppendToStream(ctx, stream, []EventData{e})
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(0))

				rres, err := c.ReadStream(ctx, stream, Start, 10)
				is.Require(err)
				events, err := rres.Events.Collect(ctx)
				is.NoErr(err)
				is.Equal(len(events), 1)
			},
		},
		{
			"same-id-in-two-streams",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				e := NewBinaryEvent("a", []byte("shared"))
				e.ID = "shared-id"

				other := stream + "-other"
				appendIndexed(t, c, other, 0, 1)

				res, err := c.AppendToStream(ctx, stream, []EventData{e})
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(0))

				// Existing stream.
				res, err = c.AppendToStream(ctx, other, []EventData{e})
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(1))

				// New stream.
				fresh := stream + "-fresh"
				res, err = c.AppendToStream(ctx, fresh, []EventData{e})
				is.Require(err)
				is.Equal(res.NextExpectedRevision, uint64(0))

				for _, s := range []string{stream, fresh} {
					rres, err := c.ReadStream(ctx, s, Start, 10)
					is.Require(err)
					events, err := rres.Events.Collect(ctx)
					is.Require(err)
					is.Equal(len(events), 1)
					is.Equal(events[0].ID, "shared-id")
				}

				rres, err := c.ReadStream(ctx, other, Start, 10)
				is.Require(err)
				events, err := rres.Events.Collect(ctx)
				is.Require(err)
				is.Equal(len(events), 2)
				is.Equal(events[1].ID, "shared-id")
			},
		},
		{
			"duplicate-after-delete",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				e := NewBinaryEvent("a", nil)
				e.ID = id.UUID.New()

				_, err := c.AppendToStream(ctx, stream, []EventData{e})
				is.Require(err)
				_, err = c.DeleteStream(ctx, stream)
				is.Require(err)

				// The server still remembers the id, but the event is gone.
				_, err = c.AppendToStream(ctx, stream, []EventData{e})
				is.Err(err, ErrDuplicateEvent)
			},
		},
		{
			"metadata",
			func(t *testing.T, c *Client, stream string) {
				is := testutil.NewIs(t)
				ctx := testContext(t)

				e, err := NewJSONEvent("meta", map[string]string{"k": "v"})
				is.Require(err)
				e.Metadata = []byte(`{"correlation":"abc"}`)

				_, err = c.AppendToStream(ctx, stream, []EventData{e})
				is.Require(err)

				res, err := c.ReadStream(ctx, stream, Start, Single)
				is.Require(err)
				events, err := res.Events.Collect(ctx)
				is.Require(err)
				is.Equal(events[0].Metadata, e.Metadata)

				var m map[string]string
				is.NoErr(events[0].Decode(&m))
				is.Equal(m["k"], "v")
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			test.Run(t, env.c, testutil.StreamID(test.Name))
		})
	}
}

func TestAppendConcurrentAny(t *testing.T) {
	is := testutil.NewIs(t)
	env := newTestEnv(t)
	stream := testutil.StreamID("concurrent")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			e1, _ := NewJSONEvent("indexed", &indexed{EventIndex: w})
			e2, _ := NewJSONEvent("indexed", &indexed{EventIndex: w})
			_, err := env.c.AppendToStream(testContext(t), stream, []EventData{e1, e2})
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		is.NoErr(err)
	}

	ctx := testContext(t)
	res, err := env.c.ReadStream(ctx, stream, Start, 100)
	is.Require(err)
	events, err := res.Events.Collect(ctx)
	is.Require(err)
	is.Equal(len(events), 6)
	for i, e := range events {
		is.Equal(e.Revision, uint64(i))
	}
}

func TestDeleteStream(t *testing.T) {
	is := testutil.NewIs(t)
	env := newTestEnv(t)
	ctx := testContext(t)
	stream := testutil.StreamID("delete")

	_, err := env.c.DeleteStream(ctx, stream)
	is.Err(err, ErrStreamNotFound)

	appendIndexed(t, env.c, stream, 0, 3)

	_, err = env.c.DeleteStream(ctx, stream, ExpectRevision(Exact(7)))
	is.Err(err, ErrWrongExpectedVersion)

	dres, err := env.c.DeleteStream(ctx, stream, ExpectRevision(Exact(2)))
	is.Require(err)
	is.True(dres.Position >= 3)

	res, err := env.c.ReadStream(ctx, stream, Start, 10)
	is.Require(err)
	is.Equal(res.Kind, ReadStreamNotFound)
	is.Equal(res.StreamID, stream)

	// A new append starts the stream over.
	wres := appendIndexed(t, env.c, stream, 0, 1)
	is.Equal(wres.NextExpectedRevision, uint64(0))

	_, err = env.c.DeleteStream(ctx, AllStream)
	is.Err(err, ErrInvalidStreamID)
}
