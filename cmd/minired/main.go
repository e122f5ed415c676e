package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Jahaja/minired"
)

const shutdownGrace = 5 * time.Second

func main() {
	// optional; the environment wins over the file
	_ = godotenv.Load()

	var (
		addr  string
		debug bool
	)

	root := &cobra.Command{
		Use:          "minired",
		Short:        "In-memory RESP key-value server with two-tier key expiration",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(addr, debug)
		},
	}

	root.Flags().StringVar(&addr, "addr", envOr("MINIRED_ADDR", minired.DefaultAddr), "host:port to listen on")
	root.Flags().BoolVar(&debug, "debug", os.Getenv("MINIRED_DEBUG") != "", "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func run(addr string, debug bool) error {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	srv := minired.NewServer(minired.Options{Addr: addr, Logger: &log})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}

	return <-errc
}
