package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	broker "github.com/glimte/mmate-broker"
	"github.com/glimte/mmate-broker/config"
	"github.com/glimte/mmate-broker/health"
	"github.com/glimte/mmate-broker/interceptors"
	"github.com/glimte/mmate-broker/internal/reliability"
	"github.com/glimte/mmate-broker/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerctl",
		Short: "Publish, consume and call over a RabbitMQ broker",
		Long: `brokerctl drives the broker client from the command line.
It publishes and consumes direct messages, sends RPC requests and runs a demo server.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		rabbitURL  string
		configPath string
		retries    int
	)

	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().IntVarP(&retries, "retries", "r", 3, "Connection attempts to retry before giving up")

	newClient := func() (*broker.Client, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
			return nil, err
		}
		if rabbitURL != "" {
			cfg.URL = rabbitURL
		}

		logger, err := cfg.Logger(os.Stderr)
		if err != nil {
			return nil, err
		}

		return broker.NewClientFromConfig(cfg,
			broker.WithLogger(logger),
			broker.WithInterceptors(interceptors.NewLoggingInterceptor(logger)),
		)
	}

	// connect dials with backoff; the client itself never retries
	connect := func(ctx context.Context) (*broker.Client, error) {
		client, err := newClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create client: %w", err)
		}

		policy := reliability.NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, retries)
		if err := reliability.Retry(ctx, "connect", policy, client.Connect); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return client, nil
	}

	// Publish command
	publishCmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> <body>",
		Short: "Publish a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Publish(ctx, args[0], args[1], args[2]); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			fmt.Printf("Published to %s with key %s\n", args[0], args[1])
			return nil
		},
	}

	// Consume command
	var count int
	consumeCmd := &cobra.Command{
		Use:   "consume <exchange> <binding-key>",
		Short: "Print messages routed to a binding",
		Long:  "Consume and acknowledge messages until interrupted or --count messages arrive.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			received := make(chan struct{}, 1)
			_, err = client.ConsumeAuto(ctx, args[0], args[1], func(ctx context.Context, d *messaging.Delivery) error {
				printDelivery(d)
				select {
				case received <- struct{}{}:
				default:
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}

			fmt.Println("Waiting for messages... Press Ctrl+C to stop")
			for seen := 0; count <= 0 || seen < count; seen++ {
				select {
				case <-received:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		},
	}
	consumeCmd.Flags().IntVarP(&count, "count", "n", 0, "Stop after this many messages (0 for no limit)")

	// Request command
	var requestTimeout time.Duration
	requestCmd := &cobra.Command{
		Use:   "request <exchange> <routing-key> <body>",
		Short: "Send an RPC request and print the reply",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			reply, err := client.Invoke(ctx, args[0], args[1], args[2], messaging.WithTTL(requestTimeout))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}

			printDelivery(reply)
			return nil
		},
	}
	requestCmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", 10*time.Second, "How long to wait for the reply")

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo consumer and RPC server",
		Long: `Consume testExchange/testKey and answer RPC requests on testRpcExchange/testRpcKey
with "Test reply data" until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			client, err := connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			consumeSub, err := client.ConsumeAuto(ctx, "testExchange", "testKey", func(ctx context.Context, d *messaging.Delivery) error {
				printDelivery(d)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}

			serveSub, err := client.Serve(ctx, "testRpcExchange", "testRpcKey", func(ctx context.Context, request *messaging.Delivery) (interface{}, error) {
				printDelivery(request)
				return []byte("Test reply data"), nil
			})
			if err != nil {
				return fmt.Errorf("failed to serve: %w", err)
			}

			fmt.Println("Serving... Press Ctrl+C to stop")
			<-ctx.Done()

			client.Unsubscribe(consumeSub)
			client.Unsubscribe(serveSub)
			return client.Close()
		},
	}

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Connect and report client health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := newClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				fmt.Printf("Connection failed: %v\n", err)
			}

			overall := client.Health(ctx)
			printHealth(overall)
			if overall.Status == health.StatusUnhealthy {
				return fmt.Errorf("broker client is unhealthy")
			}
			return nil
		},
	}

	rootCmd.AddCommand(publishCmd, consumeCmd, requestCmd, serveCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func printDelivery(d *messaging.Delivery) {
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("Exchange:       %s\n", d.Exchange)
	fmt.Printf("Routing key:    %s\n", d.RoutingKey)
	if d.CorrelationID != "" {
		fmt.Printf("Correlation ID: %s\n", d.CorrelationID)
	}
	if d.ReplyTo != "" {
		fmt.Printf("Reply to:       %s\n", d.ReplyTo)
	}
	fmt.Printf("Content type:   %s\n", d.ContentType)

	var body interface{}
	if err := d.Decode(&body); err == nil {
		if pretty, err := json.MarshalIndent(body, "", "  "); err == nil {
			fmt.Printf("Body:\n%s\n", pretty)
			return
		}
	}
	fmt.Printf("Body:           %s\n", d.Body)
}

func printHealth(overall health.OverallHealth) {
	fmt.Printf("Overall: %s\n", strings.ToUpper(string(overall.Status)))
	fmt.Println(strings.Repeat("-", 80))

	names := make([]string, 0, len(overall.Checks))
	for name := range overall.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-15s %-10s %s\n", "CHECK", "STATUS", "MESSAGE")
	for _, name := range names {
		check := overall.Checks[name]
		message := check.Message
		if check.Error != "" {
			message = check.Error
		}
		fmt.Printf("%-15s %-10s %s\n", name, check.Status, message)
	}
}
