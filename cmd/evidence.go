package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/evidence"
	"github.com/markymo/compass-sub003/internal/model"
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Store and retrieve raw provider payloads",
}

// -- evidence put --

var evidencePutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a JSON payload as evidence and print its id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		provider, _ := cmd.Flags().GetString("provider")
		schemaVersion, _ := cmd.Flags().GetString("schema-version")
		capturedBy, _ := cmd.Flags().GetString("captured-by")

		src, err := model.ParseSource(provider)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return eris.Wrapf(err, "evidence put: read %s", file)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		id, err := evidence.NewService(st).Store(ctx, evidence.StoreRequest{
			Payload:       json.RawMessage(data),
			Provider:      src,
			SchemaVersion: schemaVersion,
			CapturedBy:    capturedBy,
		})
		if err != nil {
			return eris.Wrap(err, "evidence put")
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

// -- evidence get --

var evidenceGetCmd = &cobra.Command{
	Use:   "get <evidence-id>",
	Short: "Print a stored evidence record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := evidence.NewService(st).Retrieve(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), rec)
	},
}

func init() {
	evidencePutCmd.Flags().String("file", "", "path to the JSON payload")
	evidencePutCmd.Flags().String("provider", "", "payload source (GLEIF, COMPANIES_HOUSE, USER_INPUT, SYSTEM)")
	evidencePutCmd.Flags().String("schema-version", "", "provider schema version of the payload")
	evidencePutCmd.Flags().String("captured-by", "", "user or process that captured the payload")
	_ = evidencePutCmd.MarkFlagRequired("file")
	_ = evidencePutCmd.MarkFlagRequired("provider")

	evidenceCmd.AddCommand(evidencePutCmd)
	evidenceCmd.AddCommand(evidenceGetCmd)
	rootCmd.AddCommand(evidenceCmd)
}
