package main

import (
	"fmt"
	"io"
	"os"

	"github.com/bruth/eventide"
	"github.com/spf13/cobra"
)

var appendCmd = &cobra.Command{
	Use:   "append <stream>",
	Short: "Append an event to a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		typ, _ := cmd.Flags().GetString("type")
		data, _ := cmd.Flags().GetString("data")
		isJSON, _ := cmd.Flags().GetBool("json")
		expect, _ := cmd.Flags().GetString("expect")

		payload := []byte(data)
		if data == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			payload = b
		}

		e := eventide.NewBinaryEvent(typ, payload)
		if isJSON {
			e.ContentType = eventide.ContentTypeJSON
		}

		var opts []eventide.WriteOption
		if expect != "" {
			r, err := parseExpected(expect)
			if err != nil {
				return err
			}
			opts = append(opts, eventide.ExpectRevision(r))
		}

		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := c.AppendToStream(ctx, args[0], []eventide.EventData{e}, opts...)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "revision=%d position=%d\n", res.NextExpectedRevision, res.Position)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <stream>",
	Short: "Delete a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, done, err := client(cmd)
		if err != nil {
			return err
		}
		defer done()

		res, err := c.DeleteStream(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "position=%d\n", res.Position)
		return nil
	},
}

func parseExpected(s string) (eventide.ExpectedRevision, error) {
	switch s {
	case "any":
		return eventide.Any, nil
	case "no-stream":
		return eventide.NoStream, nil
	case "stream-exists":
		return eventide.StreamExists, nil
	}
	var r uint64
	if _, err := fmt.Sscanf(s, "%d", &r); err != nil {
		return eventide.Any, fmt.Errorf("invalid expected revision %q", s)
	}
	return eventide.Exact(r), nil
}

func init() {
	f := appendCmd.Flags()
	f.String("type", "", "event type")
	f.String("data", "", "payload, or - to read it from stdin")
	f.Bool("json", false, "tag the payload as JSON")
	f.String("expect", "", "expected revision: any, no-stream, stream-exists or a number")
	_ = appendCmd.MarkFlagRequired("type")

	rootCmd.AddCommand(appendCmd, deleteCmd)
}
