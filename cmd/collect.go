package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var collectFlags struct {
	dataSource string
	dataPath   string
	maxImages  int
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect and download geotagged samples without training",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		table, err := collectTable(cmd.Context(), collectFlags.dataSource, collectFlags.dataPath, collectFlags.maxImages)
		if err != nil {
			return err
		}

		out := filepath.Join(cfg.System.OutputDir, "samples.json")
		data, err := json.MarshalIndent(table, "", "  ")
		if err != nil {
			return eris.Wrap(err, "collect: marshal samples")
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return eris.Wrapf(err, "collect: write %s", out)
		}

		zap.L().Info("wrote sample table",
			zap.String("path", out),
			zap.Int("samples", len(table)))
		return nil
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectFlags.dataSource, "data-source", "", "data source: flickr, exif, or custom (default from config)")
	collectCmd.Flags().StringVar(&collectFlags.dataPath, "data-path", "", "path to the CSV/XLSX file or image directory (default from config)")
	collectCmd.Flags().IntVar(&collectFlags.maxImages, "max-images", 0, "cap the number of samples (default from config)")
	rootCmd.AddCommand(collectCmd)
}
