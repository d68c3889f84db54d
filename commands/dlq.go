package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/foreman/ingester"
	"github.com/c360studio/foreman/streamqueue"
)

// dlqInspectorGroup is the consumer group the dlq command uses to read
// tasks.dlq. The ingester only publishes to that stream and never
// consumes it, so this is the stream's only reader.
const dlqInspectorGroup = "dlq-inspector"

func newDLQCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay entries on the dead-letter stream",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show dead-letter entries that have arrived since the last list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQList(cmd, flags, limit)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")

	replayCmd := &cobra.Command{
		Use:   "replay <message_id>",
		Short: "Re-publish a dead-lettered result onto tasks.results for re-ingestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQReplay(cmd, flags, args[0])
		},
	}

	cmd.AddCommand(listCmd, replayCmd)
	return cmd
}

func connectDirectQueue(ctx context.Context, flags *globalFlags) (*streamqueue.NATSQueue, func(), error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, nil, err
	}

	conn, embedded, err := connectNATS(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	closeFn := func() {
		conn.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}

	js, err := jetstream.New(conn)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("create jetstream context: %w", err)
	}

	return streamqueue.NewNATSQueue(js), closeFn, nil
}

func runDLQList(cmd *cobra.Command, flags *globalFlags, limit int) error {
	ctx := cmd.Context()
	q, closeFn, err := connectDirectQueue(ctx, flags)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := q.EnsureGroup(ctx, streamqueue.DeadLetterStream, dlqInspectorGroup, streamqueue.StartAll); err != nil {
		return fmt.Errorf("ensure dlq inspector group: %w", err)
	}

	messages, err := q.Consume(ctx, streamqueue.DeadLetterStream, dlqInspectorGroup, "cli-"+uuid.NewString(), limit, 500)
	if err != nil {
		return fmt.Errorf("consume dlq: %w", err)
	}
	if len(messages) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no new dead-letter entries")
		return nil
	}

	for _, m := range messages {
		var entry ingester.DeadLetterEntry
		if err := json.Unmarshal(m.Payload, &entry); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: <unparsable payload: %v>\n", m.ID, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  reason=%q  original_id=%s  payload=%s\n",
			m.ID, entry.Reason, entry.OriginalID, string(entry.Payload))
	}
	return nil
}

func runDLQReplay(cmd *cobra.Command, flags *globalFlags, messageID string) error {
	ctx := cmd.Context()
	q, closeFn, err := connectDirectQueue(ctx, flags)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := q.EnsureGroup(ctx, streamqueue.DeadLetterStream, dlqInspectorGroup, streamqueue.StartAll); err != nil {
		return fmt.Errorf("ensure dlq inspector group: %w", err)
	}

	claimed, err := q.Claim(ctx, streamqueue.DeadLetterStream, dlqInspectorGroup, "cli-replay-"+uuid.NewString(), 0, []string{messageID})
	if err != nil {
		return fmt.Errorf("claim %s: %w", messageID, err)
	}
	if len(claimed) == 0 {
		return fmt.Errorf("message %s not found on the dlq pending list", messageID)
	}

	var entry ingester.DeadLetterEntry
	if err := json.Unmarshal(claimed[0].Payload, &entry); err != nil {
		return fmt.Errorf("unparsable dead-letter entry: %w", err)
	}

	if _, err := q.Publish(ctx, streamqueue.ResultsStream, entry.Payload); err != nil {
		return fmt.Errorf("republish to results stream: %w", err)
	}
	if err := q.Ack(ctx, streamqueue.DeadLetterStream, dlqInspectorGroup, messageID); err != nil {
		return fmt.Errorf("ack dlq entry: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "replayed %s (original_id=%s) onto %s\n", messageID, entry.OriginalID, streamqueue.ResultsStream)
	return nil
}
