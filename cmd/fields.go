package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/model"
	"github.com/markymo/compass-sub003/internal/registry"
	"github.com/markymo/compass-sub003/internal/store"
)

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Inspect the canonical field registry",
}

// -- fields list --

var fieldsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List canonical fields and groups",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := initRegistry()
		if err != nil {
			return err
		}
		formatFieldList(cmd.OutOrStdout(), reg)
		return nil
	},
}

// -- fields validate --

var fieldsValidateCmd = &cobra.Command{
	Use:   "validate [catalog-file]",
	Short: "Check a field catalog for registry and group consistency",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Catalog.Path
		if len(args) == 1 {
			path = args[0]
		}

		c := registry.DefaultCatalog()
		if path != "" {
			var err error
			c, err = registry.LoadCatalogFile(path)
			if err != nil {
				return err
			}
		}

		problems := registry.Validate(c)
		out := cmd.OutOrStdout()
		if len(problems) == 0 {
			_, _ = fmt.Fprintf(out, "Catalog %s is valid: %d fields, %d groups.\n", c.Version, len(c.Fields), len(c.Groups))
			return nil
		}
		for _, p := range problems {
			_, _ = fmt.Fprintf(out, "  - %s\n", p)
		}
		return &model.ConfigurationError{Problems: problems}
	},
}

// -- fields sync --

var fieldsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upsert the field registry into the field_definitions table (postgres)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reg, err := initRegistry()
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return eris.Errorf("fields sync: requires the postgres driver, have %s", cfg.Store.Driver)
		}
		n, err := pg.SyncFieldCatalog(ctx, reg)
		if err != nil {
			return eris.Wrap(err, "fields sync")
		}

		zap.L().Info("field catalog synced", zap.String("version", reg.Version), zap.Int64("rows", n))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Synced %d field definitions (catalog %s).\n", n, reg.Version)
		return nil
	},
}

func init() {
	fieldsCmd.AddCommand(fieldsListCmd)
	fieldsCmd.AddCommand(fieldsValidateCmd)
	fieldsCmd.AddCommand(fieldsSyncCmd)
	rootCmd.AddCommand(fieldsCmd)
}

func formatFieldList(out io.Writer, reg *model.FieldRegistry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Catalog %s\n\n", reg.Version)
	_, _ = fmt.Fprintln(w, "NO\tNAME\tTYPE\tTABLE.COLUMN\tOPTIONS")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t------------\t-------")
	for _, f := range reg.All() {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s.%s\t%s\n",
			f.FieldNo, f.FieldName, f.DataType, f.Table, f.Column, strings.Join(f.Options, ","))
	}
	_ = w.Flush()

	groups := reg.Groups()
	if len(groups) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GROUP\tNAME\tFIELDS")
	_, _ = fmt.Fprintln(w, "-----\t----\t------")
	for _, g := range groups {
		nos := make([]string, len(g.FieldNos))
		for i, n := range g.FieldNos {
			nos[i] = fmt.Sprint(n)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.Name, strings.Join(nos, ","))
	}
	_ = w.Flush()
}
