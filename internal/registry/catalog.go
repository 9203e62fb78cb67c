package registry

import "github.com/markymo/compass-sub003/internal/model"

// CatalogVersion is the schema version of DefaultCatalog.
const CatalogVersion = "2025.1"

const (
	tableEntities = "legal_entities"
	tableProfile  = "entity_profiles"
)

func text(no int, name, table, column, notes string) model.FieldDefinition {
	return model.FieldDefinition{FieldNo: no, FieldName: name, Table: table, Column: column, DataType: model.DataTypeText, Notes: notes}
}

// DefaultCatalog returns the built-in KYC field catalog.
func DefaultCatalog() Catalog {
	return Catalog{
		Version: CatalogVersion,
		Fields: []model.FieldDefinition{
			text(1, "legal_name", tableEntities, "legal_name", "Registered legal name"),
			text(2, "lei", tableEntities, "lei", "ISO 17442 Legal Entity Identifier"),
			text(3, "registration_number", tableEntities, "registration_number", "Companies House or local registry number"),
			{FieldNo: 4, FieldName: "incorporation_date", Table: tableEntities, Column: "incorporation_date", DataType: model.DataTypeDate},
			{
				FieldNo: 5, FieldName: "entity_status", Table: tableEntities, Column: "status", DataType: model.DataTypeSelect,
				Options: []string{"ACTIVE", "INACTIVE", "DISSOLVED", "LIQUIDATION"},
			},
			text(6, "registered_address_line1", tableEntities, "reg_address_line1", ""),
			text(7, "registered_address_line2", tableEntities, "reg_address_line2", ""),
			text(8, "registered_address_city", tableEntities, "reg_address_city", ""),
			text(9, "registered_address_region", tableEntities, "reg_address_region", ""),
			text(10, "registered_address_postcode", tableEntities, "reg_address_postcode", ""),
			text(11, "registered_address_country", tableEntities, "reg_address_country", "ISO 3166-1 alpha-2"),
			text(12, "hq_address_line1", tableEntities, "hq_address_line1", ""),
			text(13, "hq_address_city", tableEntities, "hq_address_city", ""),
			text(14, "hq_address_postcode", tableEntities, "hq_address_postcode", ""),
			text(15, "hq_address_country", tableEntities, "hq_address_country", ""),
			{
				FieldNo: 16, FieldName: "legal_form", Table: tableEntities, Column: "legal_form", DataType: model.DataTypeSelect,
				Options: []string{"PRIVATE_LIMITED", "PUBLIC_LIMITED", "LLP", "PARTNERSHIP", "SOLE_TRADER", "TRUST", "OTHER"},
			},
			text(17, "jurisdiction", tableEntities, "jurisdiction", ""),
			{FieldNo: 18, FieldName: "directors", Table: tableProfile, Column: "directors", DataType: model.DataTypeGroup, Notes: "Ordered list of director names"},
			text(19, "website", tableProfile, "website", ""),
			{FieldNo: 20, FieldName: "employee_count", Table: tableProfile, Column: "employee_count", DataType: model.DataTypeNumber},
			{FieldNo: 21, FieldName: "annual_turnover", Table: tableProfile, Column: "annual_turnover", DataType: model.DataTypeNumber},
			{FieldNo: 22, FieldName: "is_regulated", Table: tableProfile, Column: "is_regulated", DataType: model.DataTypeBoolean},
			text(23, "regulator_name", tableProfile, "regulator_name", ""),
			text(24, "sic_code", tableProfile, "sic_code", ""),
			text(25, "tax_id", tableEntities, "tax_id", ""),
		},
		Groups: []model.FieldGroup{
			{ID: "registered_address", Name: "Registered address", FieldNos: []int{6, 7, 8, 9, 10, 11}},
			{ID: "hq_address", Name: "Headquarters address", FieldNos: []int{12, 13, 14, 15}},
			{ID: "identifiers", Name: "Identifiers", FieldNos: []int{2, 3, 25}},
			{ID: "regulation", Name: "Regulatory status", FieldNos: []int{22, 23}},
		},
	}
}
