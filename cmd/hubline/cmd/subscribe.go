package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tsarna/hubline/pkg/hubline/client"
	"github.com/tsarna/hubline/pkg/hubline/event"
	"go.uber.org/zap"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <topic> [topics...]",
	Short: "Subscribe to topics on a hub and print events",
	Long: `Open one event stream for the given topics and print every event received.
The stream reconnects on its own until interrupted.

Examples:
  hubline subscribe --url http://localhost:3000/.well-known/mercure notifications/global
  hubline subscribe -c client.hcl conversation/42 conversation/42/typing`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubscribe,
}

var (
	subscribeFlags clientFlags
	lastEventID    string
	rawOutput      bool
)

func init() {
	rootCmd.AddCommand(subscribeCmd)

	subscribeFlags.register(subscribeCmd)
	subscribeCmd.Flags().StringVar(&lastEventID, "last-event-id", "", "Last-Event-ID sent on the first connection")
	subscribeCmd.Flags().BoolVar(&rawOutput, "raw", false, "print events as JSON lines without colors")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := subscribeFlags.resolve(logger)
	if err != nil {
		return err
	}
	tokens, err := subscribeFlags.tokenProvider(cfg, logger)
	if err != nil {
		return err
	}

	tracker := client.NewConnectionTracker()
	manager, err := client.NewManager().
		WithURL(cfg.HubURL).
		WithTokenProvider(tokens).
		WithReconnectDelay(cfg.ReconnectDelay).
		WithMonitor(tracker).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create subscription manager: %w", err)
	}
	defer manager.Close()

	printer := &eventPrinter{out: cmd.OutOrStdout(), raw: rawOutput}
	opts := []client.SubscribeOption{
		client.WithOpenHandler(func() { printer.status("connected", args) }),
	}
	if lastEventID != "" {
		opts = append(opts, client.WithLastEventID(lastEventID))
	}

	id, err := manager.Subscribe(ctx, args, printer.print, printer.failure, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	logger.Info("Subscribed", zap.String("subscription", id), zap.Strings("topics", args))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	logger.Debug("Signal received, exiting",
		zap.String("signal", sig.String()),
		zap.Int("connects", tracker.ConnectCount(id)),
	)
	manager.Unsubscribe(id)
	return nil
}

// eventPrinter writes received events to the terminal.
type eventPrinter struct {
	out io.Writer
	raw bool
}

func (p *eventPrinter) print(ev event.Event, topic string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte(err.Error())
	}

	if p.raw {
		fmt.Fprintf(p.out, "%s\n", payload)
		return
	}

	fmt.Fprintf(p.out, "%s %s %s %s\n",
		color.HiBlackString(time.Now().Format(time.TimeOnly)),
		color.CyanString(topic),
		color.YellowString(ev.Type),
		payload,
	)
}

func (p *eventPrinter) status(what string, topics []string) {
	if p.raw {
		return
	}
	fmt.Fprintf(p.out, "%s %s %v\n",
		color.HiBlackString(time.Now().Format(time.TimeOnly)),
		color.GreenString(what),
		topics,
	)
}

func (p *eventPrinter) failure(err error) {
	if p.raw {
		return
	}
	fmt.Fprintf(p.out, "%s %s %v\n",
		color.HiBlackString(time.Now().Format(time.TimeOnly)),
		color.RedString("disconnected"),
		err,
	)
}
