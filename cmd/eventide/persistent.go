package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/bruth/eventide"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var persistentCmd = &cobra.Command{
	Use:   "persistent",
	Short: "Manage and consume persistent subscription groups",
}

func settingsFlags(f *pflag.FlagSet) {
	d := eventide.DefaultPersistentSubscriptionSettings()
	f.String("start-from", d.StartFrom.String(), "start, end, revision:N or position:N")
	f.Duration("message-timeout", d.MessageTimeout, "time before an unacknowledged event is retried")
	f.Int32("max-retry-count", d.MaxRetryCount, "deliveries before an event is given up")
	f.Int32("live-buffer-size", d.LiveBufferSize, "max unacknowledged events in flight")
	f.Duration("checkpoint-after", d.CheckpointAfter, "checkpoint interval")
	f.Int32("read-batch-size", d.ReadBatchSize, "read batch size")
	f.Int32("history-buffer-size", d.HistoryBufferSize, "history buffer size")
	f.Int32("max-subscriber-count", d.MaxSubscriberCount, "max sessions, 0 is unlimited")
	f.String("strategy", string(d.ConsumerStrategy), "RoundRobin, DispatchToSingle or Pinned")
}

func settingsFromFlags(f *pflag.FlagSet) (*eventide.PersistentSubscriptionSettings, error) {
	s := eventide.DefaultPersistentSubscriptionSettings()

	from, _ := f.GetString("start-from")
	pos, err := eventide.ParseReadPosition(from)
	if err != nil {
		return nil, err
	}
	s.StartFrom = pos
	s.MessageTimeout, _ = f.GetDuration("message-timeout")
	s.MaxRetryCount, _ = f.GetInt32("max-retry-count")
	s.LiveBufferSize, _ = f.GetInt32("live-buffer-size")
	s.CheckpointAfter, _ = f.GetDuration("checkpoint-after")
	s.ReadBatchSize, _ = f.GetInt32("read-batch-size")
	s.HistoryBufferSize, _ = f.GetInt32("history-buffer-size")
	s.MaxSubscriberCount, _ = f.GetInt32("max-subscriber-count")
	strategy, _ := f.GetString("strategy")
	s.ConsumerStrategy = eventide.ConsumerStrategy(strategy)

	return &s, s.Validate()
}

var persistentCreateCmd = &cobra.Command{
	Use:   "create <stream> <group>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settingsFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.CreatePersistentSubscription(ctx, args[0], args[1], s)
	},
}

var persistentUpdateCmd = &cobra.Command{
	Use:   "update <stream> <group>",
	Short: "Replace the settings of a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settingsFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.UpdatePersistentSubscription(ctx, args[0], args[1], s)
	},
}

var persistentDeleteCmd = &cobra.Command{
	Use:   "delete <stream> <group>",
	Short: "Delete a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()
		return c.DeletePersistentSubscription(ctx, args[0], args[1])
	},
}

var persistentInfoCmd = &cobra.Command{
	Use:   "info <stream> <group>",
	Short: "Show the settings and statistics of a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		info, err := c.GetPersistentSubscription(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	},
}

var persistentListCmd = &cobra.Command{
	Use:   "list [stream]",
	Short: "List the groups of a stream, or of every stream",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream := eventide.AllStream
		if len(args) == 1 {
			stream = args[0]
		}

		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		infos, err := c.ListPersistentSubscriptions(ctx, stream)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\tpending=%d\tin-flight=%d\n",
				info.StreamID, info.GroupName, info.Stats.Pending, info.Stats.InFlight)
		}
		return nil
	},
}

var persistentConnectCmd = &cobra.Command{
	Use:   "connect <stream> <group>",
	Short: "Consume a group, acknowledging every event",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		buffer, _ := cmd.Flags().GetInt("buffer-size")
		nack, _ := cmd.Flags().GetString("nack")
		max, _ := cmd.Flags().GetInt("count")

		var action eventide.NackAction
		if nack != "" {
			a, err := eventide.ParseNackAction(nack)
			if err != nil {
				return err
			}
			action = a
		}

		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		r, a, err := c.ConnectPersistentSubscription(ctx, args[0], args[1], &eventide.ConnectOptions{
			BufferSize: buffer,
		})
		if err != nil {
			return err
		}
		defer r.Close()

		ictx, stop := interruptible(cmd.Context())
		defer stop()

		enc := json.NewEncoder(cmd.OutOrStdout())
		var n int
		for max == 0 || n < max {
			item, err := r.Next(ictx)
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
			case eventide.KindEventAppeared:
				n++
				if err := printEvent(enc, item.Event, item.RetryCount); err != nil {
					return err
				}
				if nack != "" {
					err = a.Nack(action, "nacked from the command line", item.Event)
				} else {
					err = a.Ack(item.Event)
				}
				if err != nil {
					return err
				}
			case eventide.KindDropped:
				return fmt.Errorf("dropped: %s: %v", item.Reason, item.Err)
			}
		}

		// Let the acknowledger flush before the connection is closed.
		r.Close()
		<-a.Done()
		return nil
	},
}

func init() {
	settingsFlags(persistentCreateCmd.Flags())
	settingsFlags(persistentUpdateCmd.Flags())

	f := persistentConnectCmd.Flags()
	f.Int("buffer-size", 10, "events requested at once")
	f.String("nack", "", "nack every event with this action instead of acking: park, retry, skip or stop")
	f.Int("count", 0, "stop after this many events, 0 runs until interrupted")

	persistentCmd.AddCommand(
		persistentCreateCmd,
		persistentUpdateCmd,
		persistentDeleteCmd,
		persistentInfoCmd,
		persistentListCmd,
		persistentConnectCmd,
	)
	rootCmd.AddCommand(persistentCmd)
}
