package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

var publishCmd = &cobra.Command{
	Use:   "publish <event-type> <topic> [topics...]",
	Short: "Publish an event to a hub",
	Long: `Publish a single event to one or more topics on a running hub.

The event's fields are given as a JSON object with --data. The token must
carry a publish claim matching every topic.

Examples:
  hubline publish --url http://localhost:3000/.well-known/mercure -t $TOKEN \
    typing conversation/42/typing --data '{"userId":"7","isTyping":true}'
  hubline publish -c client.hcl notification user/7/notifications \
    --data '{"notification":{"id":"n1","title":"Hi"}}'`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPublish,
}

var (
	publishFlags clientFlags
	publishData  string
	publishID    string
)

func init() {
	rootCmd.AddCommand(publishCmd)

	publishFlags.register(publishCmd)
	publishCmd.Flags().StringVar(&publishData, "data", "{}", "event fields as a JSON object")
	publishCmd.Flags().StringVar(&publishID, "id", "", "event ID (the hub assigns one when empty)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	eventType, topics := args[0], args[1:]

	var fields map[string]any
	if err := json.Unmarshal([]byte(publishData), &fields); err != nil {
		return fmt.Errorf("--data must be a JSON object: %w", err)
	}
	ev, err := event.New(eventType, fields)
	if err != nil {
		return err
	}

	cfg, err := publishFlags.resolve(logger)
	if err != nil {
		return err
	}
	tokens, err := publishFlags.tokenProvider(cfg, logger)
	if err != nil {
		return err
	}

	publisher, err := client.NewPublisher().
		WithURL(cfg.HubURL).
		WithTokenProvider(tokens).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}

	id, err := publisher.Publish(context.Background(), topics, ev, publishID)
	if err != nil {
		logger.Error("Publish failed", zap.Strings("topics", topics), zap.Error(err))
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("published"), id)
	return nil
}
