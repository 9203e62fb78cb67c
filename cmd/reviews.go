package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/model"
)

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect conflicts queued for manual resolution",
}

// -- reviews list --

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open review items for an entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		entityID, _ := cmd.Flags().GetString("entity")

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		items, err := rt.ledger.OpenReviews(ctx, entityID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stderr, "No open reviews.")
			return nil
		}
		formatReviews(cmd.OutOrStdout(), items)
		return nil
	},
}

func init() {
	reviewsListCmd.Flags().String("entity", "", "entity id")
	_ = reviewsListCmd.MarkFlagRequired("entity")
	reviewsCmd.AddCommand(reviewsListCmd)
	rootCmd.AddCommand(reviewsCmd)
}

func formatReviews(out io.Writer, items []model.ReviewItem) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tFIELD\tQUESTION\tCURRENT\tPROPOSED\tREASON\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-----\t--------\t-------\t--------\t------\t-------")
	for _, it := range items {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(it.ID),
			it.FieldNo,
			it.QuestionID,
			describeValue(it.Current),
			describeValue(it.Proposed),
			it.Reason,
			it.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
