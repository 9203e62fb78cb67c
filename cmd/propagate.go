package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/extraction"
	"github.com/markymo/compass-sub003/internal/intake"
	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/propagation"
)

var propagateCmd = &cobra.Command{
	Use:   "propagate",
	Short: "Propagate answered questions into entity master records",
	Long: `Reads answers from a file and applies them to the master record.

Formats:
  json        JSON array of answered questions (requires --entity)
  xlsx        answer sheet with a header row (requires --entity)
  extraction  JSON array of document extraction items (requires --entity)
  batch       JSON array of {entity_id, questions} batches, entities run in parallel`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("propagate"); err != nil {
			return err
		}

		entityID, _ := cmd.Flags().GetString("entity")
		file, _ := cmd.Flags().GetString("file")
		format, _ := cmd.Flags().GetString("format")

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		pipe, err := newPipeline(rt, nil)
		if err != nil {
			return err
		}

		batches, err := loadBatches(ctx, cmd, rt.registry, format, file, entityID)
		if err != nil {
			return err
		}

		results, err := pipe.PropagateAll(ctx, batches)
		if err != nil {
			return err
		}
		formatOutcomes(cmd.OutOrStdout(), results)
		return nil
	},
}

func loadBatches(ctx context.Context, cmd *cobra.Command, reg *model.FieldRegistry, format, file, entityID string) ([]propagation.EntityBatch, error) {
	if format == "batch" {
		return intake.LoadBatchesJSON(ctx, file)
	}
	if entityID == "" {
		return nil, eris.Errorf("propagate: --entity is required for format %q", format)
	}

	var (
		questions []model.AnsweredQuestion
		err       error
	)
	switch format {
	case "json":
		questions, err = intake.LoadAnswersJSON(ctx, file)
	case "xlsx":
		sheet, _ := cmd.Flags().GetString("sheet")
		questions, err = intake.LoadAnswersXLSX(file, intake.XLSXOptions{SheetName: sheet})
	case "extraction":
		var items []extraction.Item
		items, err = intake.LoadExtractionJSON(ctx, file)
		if err != nil {
			return nil, err
		}
		source, _ := cmd.Flags().GetString("source")
		evidenceID, _ := cmd.Flags().GetString("evidence")
		opts := extraction.Options{EvidenceID: evidenceID}
		if source != "" {
			if opts.Source, err = model.ParseSource(source); err != nil {
				return nil, err
			}
		}
		questions = extraction.ToAnsweredQuestions(reg, items, opts)
	default:
		return nil, eris.Errorf("propagate: unknown format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return []propagation.EntityBatch{{EntityID: entityID, Questions: questions}}, nil
}

func init() {
	propagateCmd.Flags().String("entity", "", "entity id the answers belong to")
	propagateCmd.Flags().String("file", "", "input file")
	propagateCmd.Flags().String("format", "json", "input format: json, xlsx, extraction or batch")
	propagateCmd.Flags().String("sheet", "", "xlsx sheet name (default: first sheet)")
	propagateCmd.Flags().String("source", "", "source for extraction items (default SYSTEM)")
	propagateCmd.Flags().String("evidence", "", "evidence id the extraction items came from")
	_ = propagateCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(propagateCmd)
}

func formatOutcomes(out io.Writer, results map[string][]model.Outcome) {
	entities := make([]string, 0, len(results))
	for id := range results {
		entities = append(entities, id)
	}
	sort.Strings(entities)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tQUESTION\tSTATUS\tFIELD\tACTION\tDETAIL")
	_, _ = fmt.Fprintln(w, "------\t--------\t------\t-----\t------\t------")

	totals := make(map[model.OutcomeStatus]int)
	for _, id := range entities {
		for _, o := range results[id] {
			totals[o.Status]++
			if len(o.Proposals) == 0 {
				detail := o.Reason
				if o.Err != nil {
					detail = o.Error()
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t\t\t%s\n", id, o.QuestionID, o.Status, detail)
				continue
			}
			for _, p := range o.Proposals {
				detail := p.Reason
				if p.ReviewRequested {
					detail += " (review requested)"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d %s\t%s\t%s\n",
					id, o.QuestionID, o.Status, p.FieldNo, p.FieldName, p.Action, detail)
			}
		}
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\napplied=%d no_change=%d blocked=%d skipped=%d error=%d\n",
		totals[model.OutcomeApplied], totals[model.OutcomeNoChange], totals[model.OutcomeBlocked],
		totals[model.OutcomeSkipped], totals[model.OutcomeError])
}
