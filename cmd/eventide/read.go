package main

import (
	"encoding/json"

	"github.com/bruth/eventide"
	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read <stream>",
	Short: "Read the events of a stream, or of $all",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		count, _ := cmd.Flags().GetUint64("count")

		pos, err := eventide.ParseReadPosition(from)
		if err != nil {
			return err
		}

		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := c.ReadStream(ctx, args[0], pos, count)
		if err != nil {
			return err
		}
		if res.Kind == eventide.ReadStreamNotFound {
			return eventide.ErrStreamNotFound
		}
		defer res.Events.Close()

		events, err := res.Events.Collect(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range events {
			if err := printEvent(enc, e, 0); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	f := readCmd.Flags()
	f.String("from", "start", "start, end, revision:N or position:N")
	f.Uint64("count", 100, "max number of events")

	rootCmd.AddCommand(readCmd)
}
