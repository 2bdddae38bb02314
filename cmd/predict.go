package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/purity-labs/puregeo/internal/server"
)

var predictFlags struct {
	checkpoint string
	clustering string
	image      string
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Geolocate a single image",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := server.LoadPredictor(predictFlags.checkpoint, predictFlags.clustering, cfg.Model.BackboneGrid)
		if err != nil {
			return err
		}

		result, err := p.Predict(cmd.Context(), predictFlags.image)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return eris.Wrap(err, "predict: marshal result")
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictFlags.checkpoint, "checkpoint", "", "path to a trained checkpoint")
	predictCmd.Flags().StringVar(&predictFlags.clustering, "clustering", "", "path to the paired clustering info")
	predictCmd.Flags().StringVar(&predictFlags.image, "image", "", "image file to geolocate")
	predictCmd.MarkFlagRequired("checkpoint") //nolint:errcheck
	predictCmd.MarkFlagRequired("clustering") //nolint:errcheck
	predictCmd.MarkFlagRequired("image")      //nolint:errcheck
	rootCmd.AddCommand(predictCmd)
}
