package main

import (
	"github.com/spf13/cobra"

	"github.com/purity-labs/puregeo/internal/geo"
)

var exportFlags struct {
	clustering string
	out        string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export cluster centroids to a shapefile",
	RunE: func(cmd *cobra.Command, args []string) error {
		hierarchy, err := geo.LoadHierarchy(exportFlags.clustering)
		if err != nil {
			return err
		}
		return geo.ExportCentroids(hierarchy, exportFlags.out)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFlags.clustering, "clustering", "", "path to clustering info")
	exportCmd.Flags().StringVar(&exportFlags.out, "out", "centroids.shp", "output shapefile path")
	exportCmd.MarkFlagRequired("clustering") //nolint:errcheck
	rootCmd.AddCommand(exportCmd)
}
