package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

// Value is a decoded observation value. Type is the value type code and
// selects which of the other fields is meaningful.
type Value struct {
	Type          string
	Number        float64
	Text          string
	Unit          string
	Medication    *MedicationPayload
	Questionnaire *QuestionnairePayload
}

// NumericValue returns a numeric (N) value.
func NumericValue(n float64, unit string) Value {
	return Value{Type: concept.ValueTypeNumeric, Number: n, Unit: unit}
}

// TextValue returns a text (T) value.
func TextValue(s string) Value {
	return Value{Type: concept.ValueTypeText, Text: s}
}

// DateValue returns a date (D) value. d must already be YYYY-MM-DD.
func DateValue(d string) Value {
	return Value{Type: concept.ValueTypeDate, Text: d}
}

// valueDecoders is the priority order in which HL7 value keys are probed.
// The first key present wins.
var valueDecoders = []struct {
	key    string
	decode func(raw interface{}) (Value, bool)
}{
	{"valueQuantity", decodeQuantity},
	{"valueString", decodeString},
	{"valueDateTime", decodeDateTime},
	{"valueBoolean", decodeBoolean},
	{"value", decodeGeneric},
}

// DecodeValue extracts the value of an HL7 resource, checking in order
// valueQuantity (N), valueString (T), valueDateTime (D), valueBoolean (T,
// "Yes"/"No") and finally a generic value (T). ok is false when no key
// yields a value.
func DecodeValue(resource map[string]interface{}) (Value, bool) {
	for _, d := range valueDecoders {
		raw, present := resource[d.key]
		if !present || raw == nil {
			continue
		}
		if v, ok := d.decode(raw); ok {
			return v, true
		}
	}
	return Value{}, false
}

func decodeQuantity(raw interface{}) (Value, bool) {
	q, ok := raw.(map[string]interface{})
	if !ok {
		if n, ok := toNumber(raw); ok {
			return NumericValue(n, ""), true
		}
		return Value{}, false
	}
	n, ok := toNumber(q["value"])
	if !ok {
		return Value{}, false
	}
	unit := stringField(q, "unit")
	if unit == "" {
		unit = stringField(q, "code")
	}
	return NumericValue(n, unit), true
}

func decodeString(raw interface{}) (Value, bool) {
	s, ok := raw.(string)
	if !ok {
		return Value{}, false
	}
	return TextValue(s), true
}

func decodeDateTime(raw interface{}) (Value, bool) {
	s, ok := raw.(string)
	if !ok {
		return Value{}, false
	}
	d, ok := normalizeDate(s)
	if !ok {
		return Value{}, false
	}
	return DateValue(d), true
}

func decodeBoolean(raw interface{}) (Value, bool) {
	b, ok := raw.(bool)
	if !ok {
		return Value{}, false
	}
	return TextValue(yesNo(b)), true
}

func decodeGeneric(raw interface{}) (Value, bool) {
	switch v := raw.(type) {
	case string:
		return TextValue(v), true
	case bool:
		return TextValue(yesNo(v)), true
	case json.Number:
		return TextValue(v.String()), true
	case float64:
		return TextValue(strconv.FormatFloat(v, 'f', -1, 64)), true
	case map[string]interface{}:
		if s := codeableText(v); s != "" {
			return TextValue(s), true
		}
	}
	return Value{}, false
}

// apply stores v on o, clearing the other value slots.
func (o *Observation) apply(v Value) {
	o.ValueType = v.Type
	o.NumericValue, o.TextValue, o.Blob = nil, nil, nil
	o.Medication, o.Questionnaire = nil, nil
	if v.Unit != "" {
		o.Unit = v.Unit
	}
	switch v.Type {
	case concept.ValueTypeNumeric:
		n := v.Number
		o.NumericValue = &n
	case concept.ValueTypeMedication:
		o.Medication = v.Medication
		o.Blob = marshalBlob(v.Medication)
		if v.Medication != nil {
			o.Summary = v.Medication.Label()
		}
	case concept.ValueTypeQuestionnaire:
		o.Questionnaire = v.Questionnaire
		o.Blob = marshalBlob(v.Questionnaire)
		if v.Questionnaire != nil {
			o.Summary = v.Questionnaire.Summary()
		}
	case concept.ValueTypeRaw:
		s := v.Text
		o.Blob = &s
	default:
		s := v.Text
		o.TextValue = &s
	}
}

func marshalBlob(v interface{}) *string {
	b, err := json.Marshal(v)
	if err != nil {
		s := "{}"
		return &s
	}
	s := string(b)
	return &s
}

// coerce converts a raw value to the given value type. raw is a CSV cell
// string or a JSON-decoded value.
func coerce(valueType string, raw interface{}) (Value, error) {
	switch valueType {
	case concept.ValueTypeNumeric:
		n, ok := toNumber(raw)
		if !ok {
			return Value{}, fmt.Errorf("%s is not a number", describeRaw(raw))
		}
		return NumericValue(n, ""), nil
	case concept.ValueTypeDate:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("%s is not a date", describeRaw(raw))
		}
		d, ok := normalizeDate(s)
		if !ok {
			return Value{}, fmt.Errorf("%q is not a recognised date", s)
		}
		return DateValue(d), nil
	case concept.ValueTypeText, concept.ValueTypeSelection, concept.ValueTypeFinding, concept.ValueTypeAnswer:
		s, ok := textOf(raw)
		if !ok {
			return Value{}, fmt.Errorf("%s is not text", describeRaw(raw))
		}
		if b, isBool := parseBool(s); isBool {
			s = yesNo(b)
		}
		return Value{Type: valueType, Text: s}, nil
	case concept.ValueTypeRaw:
		switch v := raw.(type) {
		case string:
			return Value{Type: valueType, Text: v}, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return Value{}, err
			}
			return Value{Type: valueType, Text: string(b)}, nil
		}
	case concept.ValueTypeMedication:
		m, err := parseMedication(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: valueType, Medication: m}, nil
	case concept.ValueTypeQuestionnaire:
		q, err := parseQuestionnaire(raw)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: valueType, Questionnaire: q}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %q", valueType)
}

// inferValueType guesses a value type for a raw value with no concept
// metadata.
func inferValueType(raw interface{}) string {
	switch v := raw.(type) {
	case json.Number, float64, int:
		return concept.ValueTypeNumeric
	case string:
		if _, ok := toNumber(v); ok {
			return concept.ValueTypeNumeric
		}
		return concept.ValueTypeText
	case map[string]interface{}, []interface{}:
		return concept.ValueTypeRaw
	}
	return concept.ValueTypeText
}

var valueTypeNames = map[string]string{
	"numeric":       concept.ValueTypeNumeric,
	"number":        concept.ValueTypeNumeric,
	"text":          concept.ValueTypeText,
	"string":        concept.ValueTypeText,
	"date":          concept.ValueTypeDate,
	"selection":     concept.ValueTypeSelection,
	"finding":       concept.ValueTypeFinding,
	"answer":        concept.ValueTypeAnswer,
	"raw":           concept.ValueTypeRaw,
	"blob":          concept.ValueTypeRaw,
	"medication":    concept.ValueTypeMedication,
	"questionnaire": concept.ValueTypeQuestionnaire,
}

// parseValueType accepts a value type letter or name in any case.
func parseValueType(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) == 1 {
		up := strings.ToUpper(s)
		if strings.Contains("NTDSFARMQ", up) {
			return up, true
		}
		return "", false
	}
	vt, ok := valueTypeNames[strings.ToLower(s)]
	return vt, ok
}

// toNumber accepts numbers and numeric strings, including a comma as the
// decimal separator.
func toNumber(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func textOf(raw interface{}) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return yesNo(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	}
	return "", false
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "ja":
		return true, true
	case "false", "no", "nein":
		return false, true
	}
	return false, false
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"20060102150405",
	"200601021504",
	"20060102",
}

// normalizeDate parses the accepted date and datetime spellings and returns
// the calendar date as YYYY-MM-DD. Datetimes keep their own calendar day.
func normalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	// HL7 timestamps may carry fractional seconds or a zone offset.
	if len(s) > 14 && isDigits(s[:14]) {
		if t, err := time.Parse("20060102150405", s[:14]); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func describeRaw(raw interface{}) string {
	if s, ok := raw.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprintf("%v", raw)
}

// stringField returns m[key] when it is a string or a number.
func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func objectField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	o, _ := m[key].(map[string]interface{})
	return o
}

func arrayField(m map[string]interface{}, key string) []interface{} {
	if m == nil {
		return nil
	}
	a, _ := m[key].([]interface{})
	return a
}

// codeableText renders a CodeableConcept-like object: its text, else the
// first coding's display, else its code.
func codeableText(m map[string]interface{}) string {
	if s := stringField(m, "text"); s != "" {
		return s
	}
	if s := stringField(m, "display"); s != "" {
		return s
	}
	for _, c := range arrayField(m, "coding") {
		if coding, ok := c.(map[string]interface{}); ok {
			if s := stringField(coding, "display"); s != "" {
				return s
			}
			if s := stringField(coding, "code"); s != "" {
				return s
			}
		}
	}
	return stringField(m, "code")
}

// codeOf returns the first coding code of a CodeableConcept-like object.
func codeOf(m map[string]interface{}) string {
	for _, c := range arrayField(m, "coding") {
		if coding, ok := c.(map[string]interface{}); ok {
			if s := stringField(coding, "code"); s != "" {
				return s
			}
		}
	}
	return stringField(m, "code")
}
