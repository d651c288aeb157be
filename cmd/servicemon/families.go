package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nikiz24/servicemon"
	"github.com/nikiz24/servicemon/internal/config"
)

var familiesCmd = &cobra.Command{
	Use:   "families",
	Short: "Print the declared request metric families",
	Long: `Declare the request families with the configured buckets and print the
HELP/TYPE metadata, label names and bucket bounds a scraper will see.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		fams, err := servicemon.DeclareHTTPFamilies(servicemon.NewRegistry(),
			cfg.Metrics.LatencyBuckets, cfg.Metrics.MaxSeries)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, f := range []*servicemon.Family{fams.Duration, fams.Requests} {
			fmt.Fprintf(out, "# HELP %s %s\n# TYPE %s %s\n", f.Name(), f.Help(), f.Name(), f.Kind())
			fmt.Fprintf(out, "# labels %v\n", f.LabelNames())
			if f.Kind() == servicemon.KindHistogram {
				fmt.Fprintf(out, "# buckets %v\n", f.Buckets())
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(familiesCmd)
}
