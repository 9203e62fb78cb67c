package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/override"
)

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manually set a field value, bypassing source ranking",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		entityID, _ := cmd.Flags().GetString("entity")
		value, _ := cmd.Flags().GetString("value")
		reason, _ := cmd.Flags().GetString("reason")
		user, _ := cmd.Flags().GetString("user")

		target, err := overrideTarget(cmd)
		if err != nil {
			return err
		}

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		gw := override.NewGateway(rt.registry, rt.ledger, rt.store)
		if err := gw.Override(ctx, override.Request{
			EntityID:   entityID,
			Target:     target,
			Value:      value,
			Reason:     reason,
			ActingUser: user,
		}); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Overrode %s on %s.\n", target, entityID)
		return nil
	},
}

// overrideTarget picks the target from whichever of --field or --custom was
// set; the flags are mutually exclusive.
func overrideTarget(cmd *cobra.Command) (override.Target, error) {
	fieldSet := cmd.Flags().Changed("field")
	customSet := cmd.Flags().Changed("custom")
	switch {
	case fieldSet && customSet:
		return override.Target{}, eris.New("override: use either --field or --custom, not both")
	case fieldSet:
		no, _ := cmd.Flags().GetInt("field")
		return override.CanonicalField(no), nil
	case customSet:
		key, _ := cmd.Flags().GetString("custom")
		return override.CustomField(key), nil
	}
	return override.Target{}, eris.New("override: one of --field or --custom is required")
}

func init() {
	overrideCmd.Flags().String("entity", "", "entity id")
	overrideCmd.Flags().Int("field", 0, "canonical field number")
	overrideCmd.Flags().String("custom", "", "custom field key")
	overrideCmd.Flags().String("value", "", "new value")
	overrideCmd.Flags().String("reason", "", "why the value is being overridden")
	overrideCmd.Flags().String("user", "", "acting user")
	_ = overrideCmd.MarkFlagRequired("entity")
	_ = overrideCmd.MarkFlagRequired("value")
	rootCmd.AddCommand(overrideCmd)
}
