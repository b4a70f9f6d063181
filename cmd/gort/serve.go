package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/SomethingGeneric/gort/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve forge webhooks, run history and the live event stream",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (defaults to web.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// The hub exists before the driver so runs can publish to it
	hub := api.NewHub(newLogger(logLevel))
	a, err := newApp(ctx, appOptions{Observer: hub.Broadcast, Watch: true})
	if err != nil {
		return err
	}
	defer a.Close()

	janitor := newJanitor(a)
	if err := janitor.Start(a.cfg.Janitor.Schedule); err != nil {
		return err
	}
	defer janitor.Stop()

	port := a.cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	server := api.NewServer(api.Config{
		Addr:      fmt.Sprintf("%s:%d", a.cfg.Web.Host, port),
		PublicURL: a.cfg.Web.PublicURL,
		Secret:    a.cfg.Web.WebhookSecret,
	}, api.Options{
		Responder: a.responder,
		Journal:   a.journal,
		Registrar: a.forge,
		Hub:       hub,
		Logger:    a.logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		// Leftovers of a previous process
		removed, err := janitor.Sweep(time.Now())
		if err != nil {
			a.logger.Warn("startup sweep", "error", err)
		} else if len(removed) > 0 {
			a.logger.Info("startup sweep", "removed", len(removed))
		}
		return nil
	})
	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}
