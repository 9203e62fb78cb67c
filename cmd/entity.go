package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/markymo/compass-sub003/internal/model"
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Manage legal entities",
}

// -- entity create --

var entityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a legal entity and print its id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		id, _ := cmd.Flags().GetString("id")
		org, _ := cmd.Flags().GetString("org")
		name, _ := cmd.Flags().GetString("name")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		e, err := st.CreateEntity(ctx, model.Entity{ID: id, OrgID: org, Name: name})
		if err != nil {
			return eris.Wrap(err, "entity create")
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), e.ID)
		return nil
	},
}

// -- custom-field define --

var customFieldCmd = &cobra.Command{
	Use:   "custom-field",
	Short: "Manage organisation-defined fields",
}

var customFieldDefineCmd = &cobra.Command{
	Use:   "define",
	Short: "Define or update a custom field for an organisation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		org, _ := cmd.Flags().GetString("org")
		key, _ := cmd.Flags().GetString("key")
		label, _ := cmd.Flags().GetString("label")
		dataType, _ := cmd.Flags().GetString("type")

		dt := model.DataType(dataType)
		if !dt.Valid() {
			return eris.Errorf("custom-field define: unknown data type %q", dataType)
		}
		if label == "" {
			label = key
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DefineCustomField(ctx, model.CustomFieldDefinition{
			OrgID: org, Key: key, Label: label, DataType: dt,
		}); err != nil {
			return eris.Wrap(err, "custom-field define")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Defined %s/%s (%s).\n", org, key, dt)
		return nil
	},
}

func init() {
	entityCreateCmd.Flags().String("id", "", "entity id (generated when empty)")
	entityCreateCmd.Flags().String("org", "", "owning organisation id")
	entityCreateCmd.Flags().String("name", "", "display name")
	_ = entityCreateCmd.MarkFlagRequired("org")
	entityCmd.AddCommand(entityCreateCmd)
	rootCmd.AddCommand(entityCmd)

	customFieldDefineCmd.Flags().String("org", "", "owning organisation id")
	customFieldDefineCmd.Flags().String("key", "", "field key")
	customFieldDefineCmd.Flags().String("label", "", "display label (defaults to key)")
	customFieldDefineCmd.Flags().String("type", string(model.DataTypeText), "data type (text, number, date, boolean, select, group)")
	_ = customFieldDefineCmd.MarkFlagRequired("org")
	_ = customFieldDefineCmd.MarkFlagRequired("key")
	customFieldCmd.AddCommand(customFieldDefineCmd)
	rootCmd.AddCommand(customFieldCmd)
}
