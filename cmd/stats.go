package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/landingkit/abtest/internal/engine"
)

var statsCmd = &cobra.Command{
	Use:   "stats <test-id>",
	Short: "Recompute and print statistics for a test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		agg := engine.NewAggregator(st)
		stats, err := agg.GetStats(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Test %s: visitors=%d conversions=%d rate=%.2f%%\n",
			stats.TestID, stats.TotalVisitors, stats.Conversions, stats.ConversionRate)
		for _, v := range stats.Variants {
			fmt.Printf("  %-20s visitors=%d conversions=%d rate=%.2f%%\n",
				v.Name, v.Visitors, v.Conversions, v.ConversionRate)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
