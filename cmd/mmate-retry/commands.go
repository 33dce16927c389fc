package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	mmate "github.com/glimte/mmate-retry-go"
	"github.com/glimte/mmate-retry-go/contracts"
	"github.com/glimte/mmate-retry-go/internal/journal"
	"github.com/glimte/mmate-retry-go/internal/rabbitmq"
	"github.com/glimte/mmate-retry-go/messaging"
	"github.com/glimte/mmate-retry-go/monitor"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		delay  time.Duration
		source string
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <json-body>",
		Short: "Publish a JSON body wrapped in an envelope",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, routingKey, body := args[0], args[1], args[2]
			if !json.Valid([]byte(body)) {
				return fmt.Errorf("body is not valid JSON: %s", body)
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			pub, err := client.Publisher(ctx, exchange, messaging.WithSource(source))
			if err != nil {
				return err
			}
			env, err := contracts.NewRawEnvelope(json.RawMessage(body), source)
			if err != nil {
				return err
			}
			if _, err := pub.Publish(ctx, env, routingKey, messaging.WithDelay(delay)); err != nil {
				return err
			}

			fmt.Printf("Published %s to %s with routing key %s\n", env.ID(), exchange, routingKey)
			return nil
		},
	}

	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay delivery through the delayed-message exchange (requires MQ_DELAYED)")
	cmd.Flags().StringVar(&source, "source", "", "Envelope source label (default host address)")
	return cmd
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		fail      bool
		failRoute string
		replay    bool
		stats     bool
	)

	cmd := &cobra.Command{
		Use:   "consume <exchange> <queue> <routing-key>",
		Short: "Consume a queue, printing each message",
		Long: `Consume a queue until interrupted, printing each message. With --fail every
message is reported as failed, and with --fail-route only messages whose
original routing key matches the pattern are, which exercises the retry and
failed queues. With --stats handler runs are kept in memory and summarized
on exit.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, queue, routingKey := args[0], args[1], args[2]

			ctx, cancel := signalContext()
			defer cancel()

			var options []mmate.ClientOption
			var memory *journal.MemoryJournal
			if stats {
				memory = journal.NewMemoryJournal()
				options = append(options, mmate.WithExecutionLog(memory))
			}

			client, err := a.client(ctx, options...)
			if err != nil {
				return err
			}
			defer client.Close()

			health := monitor.NewRegistry()
			health.Register(monitor.NewConnectionChecker(client.Session()))
			health.Register(monitor.NewQueueChecker(client.Inspector(exchange), queue))
			a.serveHTTP(ctx, health)

			handler, err := demoHandler(a, fail, failRoute)
			if err != nil {
				return err
			}

			err = client.Run(ctx, exchange, queue, routingKey, handler, mmate.RunOptions{ReplayFailed: replay})
			if memory != nil {
				printStats(memory, queue)
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&fail, "fail", false, "Report every message as failed")
	cmd.Flags().StringVar(&failRoute, "fail-route", "", "Report messages whose routing key matches this topic pattern as failed")
	cmd.Flags().BoolVar(&replay, "replay", false, "Replay the failed queue before consuming")
	cmd.Flags().BoolVar(&stats, "stats", false, "Keep handler runs in memory and print a summary on exit")
	return cmd
}

// demoHandler prints every message and fails the ones selected by the flags
func demoHandler(a *app, fail bool, failRoute string) (messaging.Handler, error) {
	printer := func(ctx context.Context, msg *contracts.Message, next messaging.Handler) (contracts.Outcome, error) {
		fmt.Printf("[%s] %s retry=%d body=%s\n", msg.Queue(), msg.RoutingKey(), msg.RetryCount(), msg.Body())
		return next.Handle(ctx, msg)
	}
	reject := func(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
		return contracts.Failure(fmt.Sprintf("rejected on attempt %d", msg.RetryCount()+1)), nil
	}
	accept := func(ctx context.Context, msg *contracts.Message) (contracts.Outcome, error) {
		return contracts.Success("printed"), nil
	}

	d := messaging.NewDispatcher(
		messaging.WithDispatcherLogger(a.logger),
		messaging.WithMiddleware(printer))
	if failRoute != "" {
		if err := d.RegisterFunc(failRoute, reject); err != nil {
			return nil, err
		}
	}
	catchAll := accept
	if fail {
		catchAll = reject
	}
	if err := d.RegisterFunc("#", catchAll); err != nil {
		return nil, err
	}
	return d, nil
}

// printStats summarizes the handler runs kept by the in-memory journal
func printStats(memory *journal.MemoryJournal, queue string) {
	stats := memory.Stats()
	fmt.Printf("\nHandled %d messages, %d failed, average %v\n",
		stats.TotalEntries, stats.Failures, stats.AverageDuration)

	recent := memory.ByQueue(queue, 5)
	if len(recent) == 0 {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROUTING KEY\tRESULT\tDURATION\tOUTPUT")
	for _, r := range recent {
		result := "failure"
		if r.Success {
			result = "success"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			r.LoggedAt.Format(time.TimeOnly), r.RoutingKey, result, r.ExecutionTime, r.Output)
	}
	_ = w.Flush()
}

func newReplayCmd(a *app) *cobra.Command {
	var (
		perSecond float64
		prefix    string
	)

	cmd := &cobra.Command{
		Use:   "replay <exchange> <queue> <routing-key>",
		Short: "Move failed messages back to the live exchange",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, queue, routingKey := args[0], args[1], args[2]

			ctx, cancel := signalContext()
			defer cancel()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			var opts []messaging.ReplayerOption
			if perSecond > 0 {
				opts = append(opts, messaging.WithReplayRateLimit(rate.Limit(perSecond), 1))
			}

			var replayFilter messaging.ReplayFilter
			if prefix != "" {
				replayFilter = func(ctx context.Context, msg *contracts.Message) bool {
					return strings.HasPrefix(msg.RoutingKey(), prefix)
				}
			}

			result, err := client.Replayer(exchange, opts...).ReplayFailed(ctx, queue, routingKey, replayFilter)
			if err != nil {
				return err
			}
			fmt.Printf("Republished %d, discarded %d messages from %s\n",
				result.Republished, result.Discarded, rabbitmq.FailedQueueName(queue))
			return nil
		},
	}

	cmd.Flags().Float64Var(&perSecond, "rate", 0, "Maximum messages republished per second (0 = unlimited)")
	cmd.Flags().StringVar(&prefix, "routing-prefix", "", "Only replay messages whose original routing key has this prefix; others are dropped")
	return cmd
}

func newPeekCmd(a *app) *cobra.Command {
	var (
		limit int
		kind  string
	)

	cmd := &cobra.Command{
		Use:   "peek <exchange> <queue> <routing-key>",
		Short: "Show messages waiting on a queue without consuming them",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, queue, routingKey := args[0], args[1], args[2]
			queueKind, err := rabbitmq.ParseQueueKind(kind)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			bodies, err := client.Peek(ctx, exchange, queue, routingKey, limit, queueKind)
			if err != nil {
				return err
			}
			if len(bodies) == 0 {
				fmt.Println("No messages found")
				return nil
			}
			for i, body := range bodies {
				fmt.Printf("Message %d: %s\n", i+1, body)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "Maximum number of messages to show")
	cmd.Flags().StringVarP(&kind, "kind", "k", "failed", "Queue to peek: consume, retry or failed")
	return cmd
}

func newDeclareCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "declare <exchange> <queue> <routing-key>",
		Short: "Declare the exchanges and the consume, retry and failed queues",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, queue, routingKey := args[0], args[1], args[2]

			ctx, cancel := signalContext()
			defer cancel()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareQueue(ctx, exchange, queue, routingKey); err != nil {
				return err
			}
			fmt.Printf("Declared %s, %s and %s on %s\n",
				queue, rabbitmq.RetryQueueName(queue), rabbitmq.FailedQueueName(queue), exchange)
			return nil
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <exchange> <queue>",
		Short: "Show depth and consumers of the consume, retry and failed queues",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			exchange, queue := args[0], args[1]

			ctx, cancel := signalContext()
			defer cancel()

			client, err := a.client(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			health, err := client.Inspector(exchange).Health(ctx, queue)
			if err != nil {
				return err
			}
			info, err := client.Inspector(exchange).InspectTopology(ctx, queue)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tQUEUE\tEXISTS\tMESSAGES\tCONSUMERS")
			for _, q := range []monitor.QueueInfo{info.Consume, info.Retry, info.Failed} {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", q.Kind, q.Name, q.Exists, q.Messages, q.Consumers)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nHealth: %s (%s)\n", health.Status, health.Message)
			return nil
		},
	}
}
