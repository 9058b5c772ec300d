package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"time"

	"github.com/bruth/eventide"
	"github.com/bruth/eventide/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultDeadline = 10 * time.Second

var (
	log = logrus.New()

	rootCmd = &cobra.Command{
		Use:           "eventide",
		Short:         "Append, read and subscribe to an event store on NATS JetStream",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, _ := cmd.Flags().GetString("log-level")
			if lvl == "" {
				return nil
			}
			l, err := logrus.ParseLevel(lvl)
			if err != nil {
				return err
			}
			log.SetLevel(l)
			return nil
		},
	}
)

func init() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file")
	pf.String("connection", "", "connection string, e.g. esdb://localhost:4222")
	pf.String("log-level", "", "log level")
	pf.Bool("create-store", false, "create the store stream if it does not exist")
}

// settings resolves the connection settings from the flags, the config file
// and the environment, in that order of precedence.
func settings(cmd *cobra.Command) (*config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl == "" && f.LogLevel != "" {
		if l, err := logrus.ParseLevel(f.LogLevel); err == nil {
			log.SetLevel(l)
		}
	}

	if conn, _ := cmd.Flags().GetString("connection"); conn != "" {
		return config.ParseConnectionString(conn)
	}
	return &f.Settings, nil
}

// client dials a client and returns it with a context bounded by the
// default deadline of the settings.
func client(cmd *cobra.Command) (*eventide.Client, context.Context, context.CancelFunc, error) {
	s, err := settings(cmd)
	if err != nil {
		return nil, nil, nil, err
	}

	c, err := eventide.Dial(s, eventide.Logger(log))
	if err != nil {
		return nil, nil, nil, err
	}

	deadline := s.DefaultDeadline
	if deadline == 0 {
		deadline = defaultDeadline
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), deadline)

	if create, _ := cmd.Flags().GetBool("create-store"); create {
		if err := c.CreateStore(ctx, nil); err != nil {
			cancel()
			c.Close()
			return nil, nil, nil, err
		}
	}

	return c, ctx, func() {
		cancel()
		c.Close()
	}, nil
}

// interruptible returns a context that is done on interrupt.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

type eventView struct {
	ID          string          `json:"id"`
	Stream      string          `json:"stream"`
	Type        string          `json:"type"`
	Revision    uint64          `json:"revision"`
	Position    uint64          `json:"position"`
	Created     time.Time       `json:"created"`
	ContentType string          `json:"content_type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Raw         []byte          `json:"raw,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
}

func printEvent(enc *json.Encoder, e *eventide.RecordedEvent, retries int) error {
	v := eventView{
		ID:          e.ID,
		Stream:      e.StreamID,
		Type:        e.Type,
		Revision:    e.Revision,
		Position:    e.Position,
		Created:     e.Created,
		ContentType: e.ContentType,
		RetryCount:  retries,
	}
	if e.IsJSON() && json.Valid(e.Data) {
		v.Data = e.Data
	} else {
		v.Raw = e.Data
	}
	return errors.Wrap(enc.Encode(&v), "print")
}
