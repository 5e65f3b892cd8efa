// Command agentclient connects to an agentstream gateway as an agent and replays a
// demo run: streamed tokens, whole and chunked tool calls, and their results.
//
//	agentclient --uri ws://localhost:61111/agent --id agent_1
//
// WS_URI sets the default gateway address.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/korylprince/agentstream/agent"
	"github.com/korylprince/agentstream/protocol"
)

const defaultURI = "ws://localhost:61111/agent"

type options struct {
	uri          string
	id           string
	name         string
	pingInterval time.Duration
	writeTimeout time.Duration
	stepDelay    time.Duration
	hold         bool
	logLevel     string
	console      bool
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	uri := os.Getenv("WS_URI")
	if uri == "" {
		uri = defaultURI
	}
	opts := options{uri: uri}

	cmd := &cobra.Command{
		Use:          "agentclient [client-id]",
		Short:        "Stream a scripted agent run to an agentstream gateway",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.id = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, newLogger(opts))
		},
	}
	cmd.Flags().StringVar(&opts.uri, "uri", opts.uri, "Gateway agent endpoint (default from WS_URI)")
	cmd.Flags().StringVar(&opts.id, "id", "", "Client id (default agent_<random>)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Display name (default \"Agent <id>\")")
	cmd.Flags().DurationVar(&opts.pingInterval, "ping-interval", 20*time.Second, "Ping after this much outbound silence, 0 to disable")
	cmd.Flags().DurationVar(&opts.writeTimeout, "write-timeout", 10*time.Second, "Per frame write timeout")
	cmd.Flags().DurationVar(&opts.stepDelay, "step-delay", 200*time.Millisecond, "Delay between frames")
	cmd.Flags().BoolVar(&opts.hold, "hold", true, "Keep the connection open after the script until interrupted")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level")
	cmd.Flags().BoolVar(&opts.console, "console", true, "Human readable logs instead of JSON")
	return cmd
}

func newLogger(opts options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if opts.console {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("component", "agentclient").Logger()
}

func defaultID() string {
	return "agent_" + uuid.NewString()[:8]
}

func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	if opts.id == "" {
		opts.id = defaultID()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := agent.Dial(dialCtx, opts.uri, agent.Options{
		ClientID:     opts.id,
		Name:         opts.name,
		PingInterval: opts.pingInterval,
		WriteTimeout: opts.writeTimeout,
		Logger:       logger,
	})
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info().Str("uri", opts.uri).Str("client_id", opts.id).Msg("connected")

	go printInbound(c, logger)

	sent, err := play(ctx, c, demoScript(), opts.stepDelay)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Int("sent", sent).Msg("stream stopped")
			return nil
		}
		return fmt.Errorf("stream failed after %d frames: %w", sent, err)
	}
	logger.Info().Int("sent", sent).Msg("stream finished")

	if !opts.hold {
		return nil
	}

	logger.Info().Msg("holding connection open")
	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return c.Err()
	}
}

func printInbound(c *agent.Client, logger zerolog.Logger) {
	for msg := range c.Inbound() {
		switch msg.Type {
		case protocol.KindSystem:
			logger.Info().Str("content", msg.Content).Msg("gateway notice")
		default:
			logger.Debug().Stringer("frame", msg).Msg("gateway frame")
		}
	}
}
