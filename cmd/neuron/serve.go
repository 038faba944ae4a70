package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx := cmd.Context()
			container, err := newContainer(ctx, cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- container.Server.Start()
			}()
			fmt.Printf("%s listening on %s\n", green("neuron"), bold(cfg.Server.Addr))

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				container.Close(ctx)
				return err
			case s := <-sig:
				fmt.Printf("\n%s %v, shutting down\n", yellow("signal"), s)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := container.Server.Shutdown(shutdownCtx); err != nil {
				container.Close(shutdownCtx)
				return err
			}
			container.Close(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
