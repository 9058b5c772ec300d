/*
Package eventide is a client for an append-only event store built on NATS
JetStream. Producers append immutable events to named streams. Consumers read
them back as bounded batches, follow them with catch-up subscriptions, or
share them through persistent subscription groups with acknowledgements.

Setup

Initialize a client by passing the NATS connection as the only required
argument and create the stream backing the store.

	c, err := eventide.New(nc)
	err = c.CreateStore(ctx, &eventide.StoreConfig{Replicas: 3})

Alternatively dial from a connection string, in which case closing the
client closes the connection.

	s, err := config.ParseConnectionString("esdb://localhost:4222?tlsVerifyCert=false")
	c, err := eventide.Dial(s)

Append

Append events to the "orders-1" stream. NoStream requires that nothing was
appended to the stream before.

	e, _ := eventide.NewJSONEvent("order-placed", &OrderPlaced{ID: "1"})
	res, err := c.AppendToStream(ctx, "orders-1", []eventide.EventData{e},
		eventide.ExpectRevision(eventide.NoStream))

The next append can expect the revision returned by the previous one.

	res, err = c.AppendToStream(ctx, "orders-1", events,
		eventide.ExpectRevision(eventide.Exact(res.NextExpectedRevision)))

Read

	res, err := c.ReadStream(ctx, "orders-1", eventide.Start, 100)
	if res.Kind == eventide.ReadStreamNotFound {
		// ...
	}
	events, err := res.Events.Collect(ctx)

Subscribe

A catch-up subscription first delivers the existing events of the stream and
then follows new appends.

	sub, err := c.SubscribeToStream(ctx, "orders-1", eventide.SubscribeToStreamOptions{
		From: eventide.Start,
	})
	defer sub.Close()

	for {
		item, err := sub.Next(ctx)
		if err == io.EOF {
			break
		}
		switch item.Kind {
		case eventide.KindEventAppeared:
			// item.Event
		case eventide.KindDropped:
			// item.Reason
		}
	}

Persistent Subscriptions

A group is created once. Each session connected to it receives a share of
the events and acknowledges them.

	err := c.CreatePersistentSubscription(ctx, "orders-1", "billing", nil)
	r, a, err := c.ConnectPersistentSubscription(ctx, "orders-1", "billing", nil)

	item, err := r.Next(ctx)
	err = a.Ack(item.Event)
*/
package eventide
