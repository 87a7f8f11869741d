// ABOUTME: The serve subcommand: runs the HTTP server until interrupted.
// ABOUTME: Shuts down gracefully, letting in-flight questions finish within a grace period.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389-research/assay/metrics"
	"github.com/2389-research/assay/web"
)

const shutdownGrace = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload form and question API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.Server.Addr = addr
			}
			return c.serve(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	a, err := newApp(c.cfg, log.Writer())
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := web.ServerConfig{
		Addr:    c.cfg.Server.Addr,
		Service: a.service,
		Folders: a.folders,
		History: a.store,
	}
	if a.registry != nil {
		cfg.Metrics = metrics.HTTPHandler(a.registry)
	}
	srv, err := web.NewServer(cfg)
	if err != nil {
		return err
	}

	httpSrv := srv.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()
	log.Printf("component=cli action=serve addr=%s uploads=%s", srv.Addr(), a.folders.Root())
	fmt.Fprintf(c.stderr, "assay listening on http://%s\n", srv.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Printf("component=cli action=shutdown grace=%s", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
