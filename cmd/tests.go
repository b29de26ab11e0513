package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/landingkit/abtest/internal/engine"
	"github.com/landingkit/abtest/internal/model"
)

var testsCmd = &cobra.Command{
	Use:   "tests",
	Short: "Manage A/B tests",
}

var testsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests with their variants and cached stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry := engine.NewRegistry(st)
		tests, err := registry.ListTests(ctx)
		if err != nil {
			return err
		}

		if len(tests) == 0 {
			fmt.Println("No tests found.")
			return nil
		}

		for _, t := range tests {
			fmt.Printf("%s  %-24s %-10s visitors=%d conversions=%d rate=%.2f%%\n",
				t.ID, t.Name, t.Status, t.TotalVisitors, t.Conversions, t.ConversionRate)
			for _, v := range t.Variants {
				control := ""
				if v.IsControl {
					control = " (control)"
				}
				fmt.Printf("    %s  %-20s weight=%d visitors=%d rate=%.2f%%%s\n",
					v.ID, v.Name, v.TrafficSplit, v.Visitors, v.ConversionRate, control)
			}
		}
		return nil
	},
}

var (
	createName        string
	createDescription string
	createSelector    string
	createType        string
	createGoal        string
	createVariants    []string
)

var testsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a test in draft status",
	Long:  `Create a test. Each --variant takes "name=value" or "name=value:weight"; omit weights for an even split.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		variants, err := parseVariantFlags(createVariants)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		registry := engine.NewRegistry(st)
		t, err := registry.CreateTest(ctx, engine.TestInput{
			Name:           createName,
			Description:    createDescription,
			Type:           model.TestType(createType),
			TargetSelector: createSelector,
			ConversionGoal: createGoal,
			Variants:       variants,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Created test %s (%s) with %d variants. Start it with:\n", t.ID, t.Name, len(t.Variants))
		fmt.Printf("  abtest tests status %s running\n", t.ID)
		return nil
	},
}

func parseVariantFlags(flags []string) ([]engine.VariantInput, error) {
	var variants []engine.VariantInput
	for i, f := range flags {
		name, rest, ok := strings.Cut(f, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --variant %q: want name=value or name=value:weight", f)
		}
		value := rest
		weight := 0
		if v, w, ok := strings.Cut(rest, ":"); ok {
			value = v
			if _, err := fmt.Sscanf(w, "%d", &weight); err != nil {
				return nil, fmt.Errorf("invalid weight in --variant %q", f)
			}
		}
		variants = append(variants, engine.VariantInput{
			Name:         name,
			Value:        value,
			IsControl:    i == 0,
			TrafficSplit: weight,
		})
	}
	return variants, nil
}

var testsStatusCmd = &cobra.Command{
	Use:   "status <test-id> <draft|running|paused|completed|stopped>",
	Short: "Change a test's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry := engine.NewRegistry(st)
		t, err := registry.SetStatus(ctx, args[0], model.TestStatus(args[1]))
		if err != nil {
			return err
		}

		fmt.Printf("Test %s is now %s.\n", t.ID, t.Status)
		return nil
	},
}

var testsDeleteCmd = &cobra.Command{
	Use:   "delete <test-id>",
	Short: "Delete a test and all of its variants, assignments and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		registry := engine.NewRegistry(st)
		if err := registry.DeleteTest(ctx, args[0]); err != nil {
			return err
		}

		fmt.Printf("Deleted test %s.\n", args[0])
		return nil
	},
}

func init() {
	testsCreateCmd.Flags().StringVar(&createName, "name", "", "test name (required)")
	testsCreateCmd.Flags().StringVar(&createDescription, "description", "", "test description (required)")
	testsCreateCmd.Flags().StringVar(&createSelector, "selector", "", "CSS selector the variants apply to (required)")
	testsCreateCmd.Flags().StringVar(&createType, "type", "custom", "test type (button_color, headline_text, cta_text, layout, custom)")
	testsCreateCmd.Flags().StringVar(&createGoal, "goal", "", "conversion goal description")
	testsCreateCmd.Flags().StringArrayVar(&createVariants, "variant", nil, `variant as "name=value" or "name=value:weight" (repeatable)`)

	testsCmd.AddCommand(testsListCmd, testsCreateCmd, testsStatusCmd, testsDeleteCmd)
	rootCmd.AddCommand(testsCmd)
}
