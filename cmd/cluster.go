package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/purity-labs/puregeo/internal/geo"
)

var clusterFlags struct {
	dataSource string
	dataPath   string
	out        string
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Build and save the coordinate cluster hierarchy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirs(); err != nil {
			return err
		}

		table, err := loadSamples(clusterFlags.dataSource, clusterFlags.dataPath)
		if err != nil {
			return err
		}
		table = table.FilterValid()

		hierarchy, err := geo.BuildHierarchy(table.Points(), cfg.Clustering)
		if err != nil {
			return err
		}

		out := clusterFlags.out
		if out == "" {
			out = filepath.Join(cfg.System.OutputDir, "clustering_info.json")
		}
		if err := hierarchy.Save(out); err != nil {
			return err
		}

		counts := hierarchy.ClassCounts()
		zap.L().Info("saved clustering info",
			zap.String("path", out),
			zap.Int("samples", len(table)),
			zap.Any("classes", counts))
		return nil
	},
}

func init() {
	clusterCmd.Flags().StringVar(&clusterFlags.dataSource, "data-source", "", "data source: flickr, exif, or custom (default from config)")
	clusterCmd.Flags().StringVar(&clusterFlags.dataPath, "data-path", "", "path to the CSV/XLSX file or image directory (default from config)")
	clusterCmd.Flags().StringVar(&clusterFlags.out, "out", "", "output path for clustering info (default <output_dir>/clustering_info.json)")
	rootCmd.AddCommand(clusterCmd)
}
