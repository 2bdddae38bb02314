package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/purity-labs/puregeo/internal/server"
)

var serveFlags struct {
	checkpoint string
	clustering string
	port       int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve geolocation predictions over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := server.LoadPredictor(serveFlags.checkpoint, serveFlags.clustering, cfg.Model.BackboneGrid)
		if err != nil {
			return err
		}

		port := serveFlags.port
		if port == 0 {
			port = cfg.Server.Port
		}
		return server.NewServer(p).ListenAndServe(ctx, port)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.checkpoint, "checkpoint", "", "path to a trained checkpoint")
	serveCmd.Flags().StringVar(&serveFlags.clustering, "clustering", "", "path to the paired clustering info")
	serveCmd.Flags().IntVar(&serveFlags.port, "port", 0, "server port (default from config)")
	serveCmd.MarkFlagRequired("checkpoint") //nolint:errcheck
	serveCmd.MarkFlagRequired("clustering") //nolint:errcheck
	rootCmd.AddCommand(serveCmd)
}
