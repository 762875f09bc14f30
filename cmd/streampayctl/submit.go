package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"StreamPay/internal/event"
	"StreamPay/internal/ingestion"
)

var submitCmd = &cobra.Command{
	Use:   "submit <EventType> [file]",
	Short: "Publish a command to the StreamPay NATS command stream.",
	Long: "Reads the command's JSON wire form from file, or stdin when file " +
		"is omitted or \"-\". A missing request_id gets a fresh UUID and a " +
		"missing timestamp_us the current time. The command is validated " +
		"before it is published.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et, ok := event.ParseEventType(args[0])
		if !ok {
			return fmt.Errorf("unknown event type %q", args[0])
		}

		var in io.Reader = cmd.InOrStdin()
		if len(args) == 2 && args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		raw, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}

		data, evt, err := prepareCommand(et, raw, time.Now())
		if err != nil {
			return err
		}
		subject := ingestion.CommandSubject(et, evt.Meta().Token.Hex())

		if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", subject, data)
			return nil
		}

		natsURL, _ := cmd.Flags().GetString("nats-url")
		nc, err := nats.Connect(natsURL, nats.Name("streampayctl"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		ack, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.IdempotencyKey()))
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		logger.Debug().Str("subject", subject).Uint64("stream_seq", ack.Sequence).Bool("duplicate", ack.Duplicate).Msg("published")
		fmt.Fprintf(cmd.OutOrStdout(), "%s published to %s (stream %s seq %d)\n", evt.IdempotencyKey(), subject, ack.Stream, ack.Sequence)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("nats-url", envOr("STREAMPAY_NATS_URL", nats.DefaultURL), "NATS server URL")
	submitCmd.Flags().Bool("dry-run", false, "Print the subject and normalized command without publishing")
	rootCmd.AddCommand(submitCmd)
}

// prepareCommand fills a missing request_id and timestamp_us, validates the
// command and returns its normalized wire form.
func prepareCommand(et event.EventType, raw []byte, now time.Time) ([]byte, event.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, nil, fmt.Errorf("parse command: %w", err)
	}
	if id, _ := fields["request_id"].(string); id == "" {
		fields["request_id"] = uuid.NewString()
	}
	if _, ok := fields["timestamp_us"]; !ok {
		fields["timestamp_us"] = now.UnixMicro()
	}

	filled, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, err
	}
	evt, err := event.Unmarshal(et, filled)
	if err != nil {
		return nil, nil, err
	}
	data, err := event.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	return data, evt, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
