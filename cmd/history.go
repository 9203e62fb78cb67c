package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit trail of an entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		entityID, _ := cmd.Flags().GetString("entity")
		asJSON, _ := cmd.Flags().GetBool("json")

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		entries, err := rt.ledger.History(ctx, entityID)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No changes recorded.")
			return nil
		}
		formatHistory(cmd.OutOrStdout(), entries)
		return nil
	},
}

// -- entity show --

var entityShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Show current field values and their provenance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		states, err := rt.ledger.States(ctx, args[0])
		if err != nil {
			return err
		}
		formatStates(cmd.OutOrStdout(), rt.registry, states)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("entity", "", "entity id")
	historyCmd.Flags().Bool("json", false, "print entries as JSON")
	_ = historyCmd.MarkFlagRequired("entity")
	rootCmd.AddCommand(historyCmd)

	entityCmd.AddCommand(entityShowCmd)
}

func formatHistory(out io.Writer, entries []model.AuditEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WHEN\tFIELD\tOLD\tNEW\tSOURCE\tACTOR\tREASON")
	_, _ = fmt.Fprintln(w, "----\t-----\t---\t---\t------\t-----\t------")
	for _, e := range entries {
		field := fmt.Sprint(e.FieldNo)
		if e.CustomKey != "" {
			field = "custom:" + e.CustomKey
		}
		src := string(e.Source)
		if e.Verified {
			src += " (verified)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("2006-01-02 15:04"),
			field,
			truncate(fmt.Sprint(valueOrDash(e.OldValue)), 30),
			truncate(fmt.Sprint(e.NewValue), 30),
			src,
			e.Actor,
			e.Reason,
		)
	}
	_ = w.Flush()
}

func formatStates(out io.Writer, reg *model.FieldRegistry, states []model.FieldState) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tNAME\tVALUE\tSOURCE\tVERIFIED\tUPDATED")
	_, _ = fmt.Fprintln(w, "-----\t----\t-----\t------\t--------\t-------")
	for _, s := range states {
		name := ""
		if def, ok := reg.Lookup(s.FieldNo); ok {
			name = def.FieldName
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
			s.FieldNo,
			name,
			truncate(fmt.Sprint(s.Value), 40),
			s.Provenance.Source,
			s.Provenance.Verified,
			s.Provenance.Timestamp.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func describeValue(v *model.FieldValue) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%s [%s]", truncate(fmt.Sprint(v.Value), 30), v.Source)
}

func valueOrDash(v any) any {
	if v == nil {
		return "-"
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
