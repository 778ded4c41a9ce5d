package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

var fixedNow = time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC)

type mockRules struct {
	rules map[string][]concept.Rule
	err   error
	panic bool
}

func (m *mockRules) Rules(_ context.Context, code string) ([]concept.Rule, error) {
	if m.panic {
		panic("rule store exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.rules[code], nil
}

func newTestValidator(rules RuleSource) *Validator {
	v := New(rules, zerolog.Nop())
	v.SetClock(func() time.Time { return fixedNow })
	return v
}

func codes(r *Result) []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Code)
	}
	return out
}

// =========== Type Gate ===========

func TestValidate_UnknownTypeIsSingleFatalError(t *testing.T) {
	v := newTestValidator(nil)
	for _, typ := range []DataType{"", "string", "integer", "NUMERIC", "json"} {
		r := v.Validate(context.Background(), Request{
			Value:       "x",
			Type:        typ,
			ConceptCode: "C1",
			Metadata:    map[string]interface{}{"field": "AGE_IN_YEARS"},
		})
		if r.IsValid {
			t.Errorf("type %q: expected invalid", typ)
		}
		if len(r.Errors) != 1 || r.Errors[0].Code != CodeInvalidDataType {
			t.Errorf("type %q: expected exactly one INVALID_DATA_TYPE, got %v", typ, codes(r))
		}
		if len(r.Warnings) != 0 {
			t.Errorf("type %q: expected no warnings, got %v", typ, r.Warnings)
		}
	}
}

// =========== Native Type Checks ===========

func TestValidate_NativeTypeMismatch(t *testing.T) {
	v := newTestValidator(nil)
	tests := []struct {
		typ   DataType
		value interface{}
		code  string
	}{
		{TypeNumeric, "12", "INVALID_NUMERIC_VALUE"},
		{TypeNumeric, math.NaN(), "INVALID_NUMERIC_VALUE"},
		{TypeText, 12, "INVALID_TEXT_VALUE"},
		{TypeDate, "15-01-2024", "INVALID_DATE_VALUE"},
		{TypeDate, 20240115, "INVALID_DATE_VALUE"},
		{TypeBlob, 3.5, "INVALID_BLOB_VALUE"},
		{TypeBoolean, "true", "INVALID_BOOLEAN_VALUE"},
	}
	for _, tt := range tests {
		r := v.Validate(context.Background(), Request{Value: tt.value, Type: tt.typ})
		if r.IsValid {
			t.Errorf("%s %v: expected invalid", tt.typ, tt.value)
			continue
		}
		if len(r.Errors) != 1 || r.Errors[0].Code != tt.code {
			t.Errorf("%s %v: expected [%s], got %v", tt.typ, tt.value, tt.code, codes(r))
		}
	}
}

func TestValidate_NativeMismatchStillRunsBusinessLogic(t *testing.T) {
	v := newTestValidator(nil)
	r := v.Validate(context.Background(), Request{
		Value:    "400",
		Type:     TypeNumeric,
		Metadata: map[string]interface{}{"field": "HEART_RATE"},
	})
	if !r.HasError("INVALID_NUMERIC_VALUE") || !r.HasError(CodeInvalidHeartRate) {
		t.Errorf("expected type and heart rate errors, got %v", codes(r))
	}
}

func TestValidate_NativeMismatchStillRunsConceptRules(t *testing.T) {
	v := newTestValidator(&mockRules{})
	r := v.Validate(context.Background(), Request{Value: "abc", Type: TypeNumeric, ConceptCode: "C1"})
	if !r.HasWarning(CodeNoConceptRules) {
		t.Errorf("expected NO_CONCEPT_RULES warning, got %v", r.Warnings)
	}
}

func TestValidate_AcceptedNativeValues(t *testing.T) {
	v := newTestValidator(nil)
	tests := []struct {
		typ   DataType
		value interface{}
	}{
		{TypeNumeric, 42},
		{TypeNumeric, int64(-3)},
		{TypeNumeric, 3.14},
		{TypeNumeric, json.Number("1.25")},
		{TypeText, "hello"},
		{TypeDate, "2024-01-15"},
		{TypeDate, time.Date(2020, 2, 29, 8, 0, 0, 0, time.UTC)},
		{TypeBlob, []byte{1, 2, 3}},
		{TypeBlob, "{\"a\":1}"},
		{TypeBoolean, false},
	}
	for _, tt := range tests {
		r := v.Validate(context.Background(), Request{Value: tt.value, Type: tt.typ})
		if !r.IsValid {
			t.Errorf("%s %v: expected valid, got %v", tt.typ, tt.value, codes(r))
		}
	}
}

// =========== Numeric Rules ===========

func TestValidate_NumericRangeProperty(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{Min: Float(10), Max: Float(100)}})

	for _, n := range []float64{-50, 0, 9.999, 10, 10.5, 55, 99.99, 100, 100.0001, 1e6} {
		r := v.Validate(context.Background(), Request{Value: n, Type: TypeNumeric})
		want := n >= 10 && n <= 100
		if r.IsValid != want {
			t.Errorf("value %v: expected isValid=%v, got %v (%v)", n, want, r.IsValid, codes(r))
		}
	}
}

func TestValidate_NumericCollectsAllViolations(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{
		Min:           Float(0),
		AllowNegative: Bool(false),
		Precision:     Int(1),
	}})

	r := v.Validate(context.Background(), Request{Value: -1.234, Type: TypeNumeric})
	for _, code := range []string{CodeValueBelowMinimum, CodeNegativeValueNotAllowed, CodePrecisionExceeded} {
		if !r.HasError(code) {
			t.Errorf("expected %s, got %v", code, codes(r))
		}
	}
	if len(r.Errors) != 3 {
		t.Errorf("expected 3 errors, got %v", codes(r))
	}
}

func TestValidate_NumericZeroAndMaximum(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{AllowZero: Bool(false)}})
	r := v.Validate(context.Background(), Request{Value: 0, Type: TypeNumeric})
	if !r.HasError(CodeZeroValueNotAllowed) {
		t.Errorf("expected ZERO_VALUE_NOT_ALLOWED, got %v", codes(r))
	}

	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{Max: Float(5)}})
	r = v.Validate(context.Background(), Request{Value: 6, Type: TypeNumeric})
	if !r.HasError(CodeValueAboveMaximum) {
		t.Errorf("expected VALUE_ABOVE_MAXIMUM, got %v", codes(r))
	}
	if v.Config().Numeric.AllowZero {
		t.Error("expected earlier AllowZero override to survive a later merge")
	}
}

func TestValidate_PrecisionUsesLiteral(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{Precision: Int(1)}})

	r := v.Validate(context.Background(), Request{Value: json.Number("1.50"), Type: TypeNumeric})
	if !r.HasError(CodePrecisionExceeded) {
		t.Errorf("expected PRECISION_EXCEEDED for 1.50, got %v", codes(r))
	}
	r = v.Validate(context.Background(), Request{Value: 1.5, Type: TypeNumeric})
	if !r.IsValid {
		t.Errorf("expected 1.5 to pass, got %v", codes(r))
	}
}

// =========== Text Rules ===========

func TestValidate_TextRules(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Text: &TextPatch{MinLength: Int(3), MaxLength: Int(5), AllowEmpty: Bool(false)}})

	tests := []struct {
		value string
		codes []string
	}{
		{"ab", []string{CodeTextTooShort}},
		{"abcdef", []string{CodeTextTooLong}},
		{"   ", []string{CodeEmptyTextNotAllowed}},
		{"", []string{CodeEmptyTextNotAllowed, CodeTextTooShort}},
		{"       ", []string{CodeEmptyTextNotAllowed, CodeTextTooLong}},
		{"äöü", nil},
	}
	for _, tt := range tests {
		r := v.Validate(context.Background(), Request{Value: tt.value, Type: TypeText})
		if len(tt.codes) == 0 {
			if !r.IsValid {
				t.Errorf("%q: expected valid, got %v", tt.value, codes(r))
			}
			continue
		}
		if len(r.Errors) != len(tt.codes) {
			t.Errorf("%q: expected %v, got %v", tt.value, tt.codes, codes(r))
		}
		for _, code := range tt.codes {
			if !r.HasError(code) {
				t.Errorf("%q: expected %s, got %v", tt.value, code, codes(r))
			}
		}
	}
}

func TestValidate_BlankTextStillLengthChecked(t *testing.T) {
	v := newTestValidator(nil)
	r := v.Validate(context.Background(), Request{Value: strings.Repeat(" ", 2000), Type: TypeText})
	if !r.HasError(CodeTextTooLong) {
		t.Errorf("expected TEXT_TOO_LONG for 2000 spaces, got %v", codes(r))
	}
	if r.HasError(CodeEmptyTextNotAllowed) {
		t.Errorf("expected empty text to be allowed by default, got %v", codes(r))
	}
}

func TestValidate_TextDefaultMaxLength(t *testing.T) {
	v := newTestValidator(nil)
	long := make([]byte, 1001)
	for i := range long {
		long[i] = 'a'
	}
	r := v.Validate(context.Background(), Request{Value: string(long), Type: TypeText})
	if !r.HasError(CodeTextTooLong) {
		t.Errorf("expected TEXT_TOO_LONG, got %v", codes(r))
	}
}

// =========== Date Rules ===========

func TestIsValidDate(t *testing.T) {
	tests := map[string]bool{
		"2024-01-15": true,
		"2024-02-29": true,
		"2023-02-29": false,
		"15-01-2024": false,
		"2024/01/15": false,
		"2024-1-15":  false,
		"2024-13-01": false,
		"2024-00-10": false,
		"20240115":   false,
		"":           false,
	}
	for in, want := range tests {
		if got := IsValidDate(in); got != want {
			t.Errorf("IsValidDate(%q) = %v, expected %v", in, got, want)
		}
	}
}

func TestValidate_DateRules(t *testing.T) {
	v := newTestValidator(nil)
	min := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	max := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	v.SetCustomRules(RulePatch{Date: &DatePatch{MinDate: &min, MaxDate: &max, AllowFuture: Bool(false), AllowPast: Bool(false)}})

	tests := []struct {
		value string
		want  []string
	}{
		{"2019-12-31", []string{CodeDateTooEarly, CodePastDateNotAllowed}},
		{"2031-01-01", []string{CodeDateTooLate, CodeFutureDateNotAllowed}},
		{"2024-06-16", []string{CodeFutureDateNotAllowed}},
		{"2024-06-14", []string{CodePastDateNotAllowed}},
		{"2024-06-15", nil},
	}
	for _, tt := range tests {
		r := v.Validate(context.Background(), Request{Value: tt.value, Type: TypeDate})
		if len(r.Errors) != len(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.value, tt.want, codes(r))
			continue
		}
		for _, code := range tt.want {
			if !r.HasError(code) {
				t.Errorf("%s: expected %s, got %v", tt.value, code, codes(r))
			}
		}
	}
}

// =========== Blob Rules ===========

func TestValidate_BlobTooLarge(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Blob: &BlobPatch{MaxSize: Int64(4)}})
	r := v.Validate(context.Background(), Request{Value: "12345", Type: TypeBlob})
	if !r.HasError(CodeBlobTooLarge) {
		t.Errorf("expected BLOB_TOO_LARGE, got %v", codes(r))
	}
	r = v.Validate(context.Background(), Request{Value: []byte("1234"), Type: TypeBlob})
	if !r.IsValid {
		t.Errorf("expected 4 bytes to pass, got %v", codes(r))
	}
}

// =========== Config Merge / Reset ===========

func TestSetCustomRules_MergesNotReplaces(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{Min: Float(1)}})
	v.SetCustomRules(RulePatch{Numeric: &NumericPatch{Max: Float(9)}})

	cfg := v.Config()
	if cfg.Numeric.Min != 1 || cfg.Numeric.Max != 9 {
		t.Errorf("expected min 1 and max 9, got %v and %v", cfg.Numeric.Min, cfg.Numeric.Max)
	}
	if !cfg.Numeric.AllowNegative || !cfg.Numeric.AllowZero {
		t.Error("expected untouched flags to keep defaults")
	}
}

func TestResetToDefaults(t *testing.T) {
	v := newTestValidator(nil)
	v.SetCustomRules(RulePatch{
		Numeric: &NumericPatch{Min: Float(10), Max: Float(100)},
		Text:    &TextPatch{MaxLength: Int(5)},
	})
	v.ResetToDefaults()

	cfg := v.Config()
	if !math.IsInf(cfg.Numeric.Min, -1) {
		t.Errorf("expected numeric.min -Inf, got %v", cfg.Numeric.Min)
	}
	if !math.IsInf(cfg.Numeric.Max, 1) {
		t.Errorf("expected numeric.max +Inf, got %v", cfg.Numeric.Max)
	}
	if cfg.Text.MaxLength != 1000 {
		t.Errorf("expected text.maxLength 1000, got %d", cfg.Text.MaxLength)
	}
}

func TestConfigMerge_DoesNotMutateReceiver(t *testing.T) {
	base := DefaultConfig()
	merged := base.Merge(RulePatch{Text: &TextPatch{MaxLength: Int(10)}})
	if base.Text.MaxLength != 1000 {
		t.Errorf("expected base unchanged, got %d", base.Text.MaxLength)
	}
	if merged.Text.MaxLength != 10 {
		t.Errorf("expected merged 10, got %d", merged.Text.MaxLength)
	}
}

func TestParsePatch(t *testing.T) {
	p, err := ParsePatch(TypeNumeric, map[string]interface{}{"min": 10.0, "max": json.Number("100"), "allowZero": false, "unknown": "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := DefaultConfig().Merge(p)
	if cfg.Numeric.Min != 10 || cfg.Numeric.Max != 100 || cfg.Numeric.AllowZero {
		t.Errorf("unexpected merged numeric rules %+v", cfg.Numeric)
	}

	if _, err := ParsePatch(TypeText, map[string]interface{}{"maxLength": "ten"}); err == nil {
		t.Error("expected error for non-numeric maxLength")
	}
	if _, err := ParsePatch(TypeDate, map[string]interface{}{"minDate": "01.01.2020"}); err == nil {
		t.Error("expected error for non ISO minDate")
	}
	if _, err := ParsePatch("weird", nil); err == nil {
		t.Error("expected error for unsupported type")
	}
}

// =========== Concept Rules ===========

func rule(id, name, def string) concept.Rule {
	return concept.Rule{ID: id, Name: name, Definition: json.RawMessage(def)}
}

func TestValidate_NoConceptRulesWarning(t *testing.T) {
	v := newTestValidator(&mockRules{})
	r := v.Validate(context.Background(), Request{Value: 5, Type: TypeNumeric, ConceptCode: "C1"})
	if !r.IsValid {
		t.Errorf("expected valid, got %v", codes(r))
	}
	if !r.HasWarning(CodeNoConceptRules) {
		t.Errorf("expected NO_CONCEPT_RULES warning, got %v", r.Warnings)
	}
}

func TestValidate_ConceptRangeAndEnum(t *testing.T) {
	v := newTestValidator(&mockRules{rules: map[string][]concept.Rule{
		"HR":  {rule("r1", "heart rate range", `{"type":"range","params":{"min":40,"max":180}}`)},
		"SEX": {rule("r2", "sex codes", `{"type":"enum","params":{"values":["M","F","U"]}}`)},
		"LVL": {rule("r3", "levels", `"{\"type\":\"enum\",\"values\":[1,2,3]}"`)},
	}})

	r := v.Validate(context.Background(), Request{Value: 200, Type: TypeNumeric, ConceptCode: "HR"})
	if !r.HasError(CodeConceptRuleViolation) {
		t.Fatalf("expected CONCEPT_RULE_VIOLATION, got %v", codes(r))
	}
	if r.Errors[0].RuleID != "r1" || r.Errors[0].RuleName != "heart rate range" {
		t.Errorf("expected rule id/name on violation, got %+v", r.Errors[0])
	}

	r = v.Validate(context.Background(), Request{Value: 90, Type: TypeNumeric, ConceptCode: "HR"})
	if !r.IsValid {
		t.Errorf("expected 90 to satisfy range, got %v", codes(r))
	}

	r = v.Validate(context.Background(), Request{Value: "X", Type: TypeText, ConceptCode: "SEX"})
	if !r.HasError(CodeConceptRuleViolation) {
		t.Errorf("expected enum violation, got %v", codes(r))
	}
	r = v.Validate(context.Background(), Request{Value: "F", Type: TypeText, ConceptCode: "SEX"})
	if !r.IsValid {
		t.Errorf("expected F to satisfy enum, got %v", codes(r))
	}

	r = v.Validate(context.Background(), Request{Value: json.Number("2"), Type: TypeNumeric, ConceptCode: "LVL"})
	if !r.IsValid {
		t.Errorf("expected string-encoded flat enum to accept 2, got %v", codes(r))
	}
}

func TestValidate_BrokenRulesDoNotAbortOthers(t *testing.T) {
	v := newTestValidator(&mockRules{rules: map[string][]concept.Rule{
		"C": {
			rule("bad-json", "broken", `{not json`),
			rule("bad-operand", "range on text", `{"type":"range","params":{"min":1}}`),
			rule("bad-regex", "pattern", `{"type":"pattern","params":{"regex":"("}}`),
			rule("unknown", "future rule", `{"type":"cql","params":{"expr":"x > 1"}}`),
			rule("ok", "pattern", `{"type":"pattern","params":{"regex":"^ab"}}`),
		},
	}})

	r := v.Validate(context.Background(), Request{Value: "abc", Type: TypeText, ConceptCode: "C"})
	if len(r.Errors) != 3 {
		t.Fatalf("expected 3 rule errors, got %v", codes(r))
	}
	for _, e := range r.Errors {
		if e.Code != CodeConceptRuleViolation {
			t.Errorf("expected CONCEPT_RULE_VIOLATION, got %s", e.Code)
		}
		if e.Details == "" {
			t.Errorf("rule %s: expected execution failure details", e.RuleID)
		}
	}
}

func TestValidate_RuleSourceFailureIsCritical(t *testing.T) {
	v := newTestValidator(&mockRules{err: fmt.Errorf("connection refused")})
	r := v.Validate(context.Background(), Request{Value: 5, Type: TypeNumeric, ConceptCode: "C"})
	if len(r.Errors) != 1 || r.Errors[0].Code != CodeValidationError {
		t.Fatalf("expected single VALIDATION_ERROR, got %v", codes(r))
	}
	if r.Errors[0].Severity != SeverityCritical {
		t.Errorf("expected critical severity, got %s", r.Errors[0].Severity)
	}
}

func TestValidate_PanicIsContained(t *testing.T) {
	v := newTestValidator(&mockRules{panic: true})
	r := v.Validate(context.Background(), Request{Value: 5, Type: TypeNumeric, ConceptCode: "C"})
	if r.IsValid || len(r.Errors) != 1 || r.Errors[0].Code != CodeValidationError {
		t.Fatalf("expected contained VALIDATION_ERROR, got %v", codes(r))
	}
}

// =========== Business Logic ===========

func TestValidate_BusinessLogic(t *testing.T) {
	v := newTestValidator(nil)
	tests := []struct {
		field string
		value interface{}
		code  string
	}{
		{"AGE_IN_YEARS", -1, CodeInvalidAgeRange},
		{"AGE_IN_YEARS", 151, CodeInvalidAgeRange},
		{"AGE_IN_YEARS", 150, ""},
		{"AGE_IN_YEARS", 0, ""},
		{"BLOOD_PRESSURE", 49, CodeInvalidBloodPressure},
		{"BLOOD_PRESSURE", 300, ""},
		{"BLOOD_PRESSURE", 301, CodeInvalidBloodPressure},
		{"HEART_RATE", 29, CodeInvalidHeartRate},
		{"HEART_RATE", 30, ""},
		{"HEART_RATE", 251, CodeInvalidHeartRate},
		{"OTHER", 99999, ""},
	}
	for _, tt := range tests {
		r := v.Validate(context.Background(), Request{Value: tt.value, Type: TypeNumeric, Metadata: map[string]interface{}{"field": tt.field}})
		if tt.code == "" {
			if !r.IsValid {
				t.Errorf("%s=%v: expected valid, got %v", tt.field, tt.value, codes(r))
			}
			continue
		}
		if !r.HasError(tt.code) {
			t.Errorf("%s=%v: expected %s, got %v", tt.field, tt.value, tt.code, codes(r))
		}
		if r.Errors[0].Field != tt.field {
			t.Errorf("%s: expected field on error, got %q", tt.field, r.Errors[0].Field)
		}
	}
}

// =========== Metadata ===========

func TestValidate_Metadata(t *testing.T) {
	v := newTestValidator(nil)
	r := v.Validate(context.Background(), Request{Value: 7, Type: TypeNumeric, ConceptCode: "C9"})
	if !r.Metadata.ValidatedAt.Equal(fixedNow) {
		t.Errorf("expected validatedAt %v, got %v", fixedNow, r.Metadata.ValidatedAt)
	}
	if r.Metadata.DataType != TypeNumeric || r.Metadata.ConceptCode != "C9" || r.Metadata.Value != 7 {
		t.Errorf("unexpected metadata %+v", r.Metadata)
	}
}
