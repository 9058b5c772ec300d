package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/bruth/eventide"
	"github.com/bruth/eventide/checkpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <stream>",
	Short: "Follow a stream, or $all, until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream := args[0]
		from, _ := cmd.Flags().GetString("from")
		cpPath, _ := cmd.Flags().GetString("checkpoint")
		cpName, _ := cmd.Flags().GetString("name")
		prefixes, _ := cmd.Flags().GetStringSlice("type-prefix")
		expr, _ := cmd.Flags().GetString("filter")

		pos, err := eventide.ParseReadPosition(from)
		if err != nil {
			return err
		}

		var cps checkpoint.Store = checkpoint.NewMemory()
		if cpPath != "" {
			cps, err = checkpoint.OpenBolt(cpPath)
			if err != nil {
				return err
			}
		}
		defer cps.Close()
		if cpName == "" {
			cpName = stream
		}

		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		cp, ok, err := cps.Load(ctx, cpName)
		if err != nil {
			return err
		}
		if ok {
			if stream == eventide.AllStream {
				pos = eventide.GlobalPosition(cp.Position)
			} else {
				pos = eventide.Revision(cp.Revision)
			}
			log.WithField("from", pos).Info("resuming from checkpoint")
		}

		var sub *eventide.Subscription
		if stream == eventide.AllStream {
			opts := eventide.SubscribeToAllOptions{From: pos}
			if len(prefixes) > 0 || expr != "" {
				opts.Filter = &eventide.SubscriptionFilter{
					Kind:                eventide.FilterByEventType,
					Prefixes:            prefixes,
					Expr:                expr,
					ExcludeSystemEvents: true,
					CheckpointInterval:  100,
				}
			}
			sub, err = c.SubscribeToAll(ctx, opts)
		} else {
			sub, err = c.SubscribeToStream(ctx, stream, eventide.SubscribeToStreamOptions{From: pos})
		}
		if err != nil {
			return err
		}
		defer sub.Close()

		ictx, stop := interruptible(context.Background())
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for {
			item, err := sub.Next(ictx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				if ictx.Err() != nil {
					return nil
				}
				return err
			}

			switch item.Kind {
			case eventide.KindConfirmation:
				log.WithField("subscription", item.SubscriptionID).Info("subscribed")
			case eventide.KindEventAppeared:
				if err := printEvent(enc, item.Event, 0); err != nil {
					return err
				}
				err = cps.Save(ictx, cpName, checkpoint.Checkpoint{
					Revision: item.Event.Revision,
					Position: item.Event.Position,
				})
			case eventide.KindCheckpointReached:
				prev, _, _ := cps.Load(ictx, cpName)
				err = cps.Save(ictx, cpName, checkpoint.Checkpoint{
					Revision: prev.Revision,
					Position: item.Position,
				})
			case eventide.KindDropped:
				log.WithError(item.Err).WithFields(logrus.Fields{
					"reason": item.Reason,
				}).Warn("subscription dropped")
				return item.Err
			}
			if err != nil {
				return err
			}
		}
	},
}

func init() {
	f := subscribeCmd.Flags()
	f.String("from", "end", "start, end, revision:N or position:N")
	f.String("checkpoint", "", "checkpoint file to resume from and save to")
	f.String("name", "", "checkpoint name, defaults to the stream")
	f.StringSlice("type-prefix", nil, "event type prefixes, $all only")
	f.String("filter", "", "CEL filter expression, $all only")

	rootCmd.AddCommand(subscribeCmd)
}
