package concept

import "encoding/json"

// Value type codes as stored in the observation fact table.
const (
	ValueTypeNumeric       = "N"
	ValueTypeText          = "T"
	ValueTypeDate          = "D"
	ValueTypeSelection     = "S"
	ValueTypeFinding       = "F"
	ValueTypeAnswer        = "A"
	ValueTypeRaw           = "R"
	ValueTypeMedication    = "M"
	ValueTypeQuestionnaire = "Q"
)

// Concept is the semantic metadata attached to a concept code.
type Concept struct {
	Code         string `db:"concept_cd" json:"code"`
	Name         string `db:"name_char" json:"name"`
	ValueType    string `db:"valtype_cd" json:"value_type"`
	Category     string `db:"category_char" json:"category,omitempty"`
	SourceSystem string `db:"sourcesystem_cd" json:"source_system,omitempty"`
	Unit         string `db:"unit_cd" json:"unit,omitempty"`
}

// Rule is a validation rule bound to a concept. Definition is kept as raw
// JSON; only the validation package interprets it.
type Rule struct {
	ID          string          `db:"rule_id" json:"id"`
	Name        string          `db:"name" json:"name"`
	ConceptCode string          `db:"concept_cd" json:"concept_code"`
	Definition  json.RawMessage `db:"definition" json:"definition"`
}

// Entry bundles a concept with its rules. It is the unit of the JSON seed
// file and of the cached representation.
type Entry struct {
	Concept
	Rules []Rule `json:"rules,omitempty"`
}
