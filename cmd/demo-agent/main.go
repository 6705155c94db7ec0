package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/sdk/httpx"
)

type options struct {
	agentID    string
	central    string
	apiKey     string
	listen     string
	flushEvery time.Duration
	traffic    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "demo-agent",
		Short: "Demo web app that reports transactions, queries and gauges to a central node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, logger)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.agentID, "agent-id", "demo/web/host-1", "agent rollup path")
	flags.StringVar(&opts.central, "central", sdk.DefaultEndpoint, "central ingest endpoint")
	flags.StringVar(&opts.apiKey, "api-key", "", "bearer token sent to the central node")
	flags.StringVar(&opts.listen, "listen", ":3001", "address of the demo app")
	flags.DurationVar(&opts.flushEvery, "flush-every", 5*time.Second, "report interval")
	flags.DurationVar(&opts.traffic, "traffic-every", 3*time.Second, "interval of simulated requests, 0 to disable")
	return cmd
}

func run(ctx context.Context, opts *options, logger *zap.Logger) error {
	client, err := sdk.New(sdk.ClientConfig{
		AgentID:    opts.agentID,
		APIKey:     opts.apiKey,
		Endpoint:   opts.central,
		FlushEvery: opts.flushEvery,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			logger.Warn("final report failed", zap.Error(err))
		}
	}()

	demo := newApp(client, logger)
	mux := http.NewServeMux()
	demo.routes(mux)

	srv := &http.Server{
		Addr:              opts.listen,
		Handler:           httpx.Middleware(client)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("demo app listening", zap.String("addr", opts.listen), zap.String("agent_id", client.AgentID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		demo.runQueue(ctx)
		return nil
	})
	if opts.traffic > 0 {
		g.Go(func() error {
			simulateTraffic(ctx, "http://localhost"+opts.listen, opts.traffic, client, logger)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
