package main

import (
	"github.com/spf13/cobra"
)

func newSeedCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load activity categories, spaces and policies into the store",
		Long: `seed upserts a reference catalog.  Without --file the embedded
catalog is used.  Re-running it is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.CatalogPath
			}
			cfg.SeedOnStart = false

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.seed(cmd.Context(), file)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	return cmd
}
