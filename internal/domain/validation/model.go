package validation

import "time"

// DataType is the declared type of a value under validation.
type DataType string

const (
	TypeNumeric DataType = "numeric"
	TypeText    DataType = "text"
	TypeDate    DataType = "date"
	TypeBlob    DataType = "blob"
	TypeBoolean DataType = "boolean"
)

// Valid reports whether t is one of the supported data types.
func (t DataType) Valid() bool {
	switch t {
	case TypeNumeric, TypeText, TypeDate, TypeBlob, TypeBoolean:
		return true
	}
	return false
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue codes.
const (
	CodeInvalidDataType         = "INVALID_DATA_TYPE"
	CodeValueBelowMinimum       = "VALUE_BELOW_MINIMUM"
	CodeValueAboveMaximum       = "VALUE_ABOVE_MAXIMUM"
	CodeNegativeValueNotAllowed = "NEGATIVE_VALUE_NOT_ALLOWED"
	CodeZeroValueNotAllowed     = "ZERO_VALUE_NOT_ALLOWED"
	CodePrecisionExceeded       = "PRECISION_EXCEEDED"
	CodeTextTooShort            = "TEXT_TOO_SHORT"
	CodeTextTooLong             = "TEXT_TOO_LONG"
	CodeEmptyTextNotAllowed     = "EMPTY_TEXT_NOT_ALLOWED"
	CodeDateTooEarly            = "DATE_TOO_EARLY"
	CodeDateTooLate             = "DATE_TOO_LATE"
	CodeFutureDateNotAllowed    = "FUTURE_DATE_NOT_ALLOWED"
	CodePastDateNotAllowed      = "PAST_DATE_NOT_ALLOWED"
	CodeBlobTooLarge            = "BLOB_TOO_LARGE"
	CodeNoConceptRules          = "NO_CONCEPT_RULES"
	CodeConceptRuleViolation    = "CONCEPT_RULE_VIOLATION"
	CodeInvalidAgeRange         = "INVALID_AGE_RANGE"
	CodeInvalidBloodPressure    = "INVALID_BLOOD_PRESSURE"
	CodeInvalidHeartRate        = "INVALID_HEART_RATE"
	CodeValidationError         = "VALIDATION_ERROR"
)

// InvalidValueCode returns the native-type mismatch code for t, for example
// INVALID_NUMERIC_VALUE.
func InvalidValueCode(t DataType) string {
	switch t {
	case TypeNumeric:
		return "INVALID_NUMERIC_VALUE"
	case TypeText:
		return "INVALID_TEXT_VALUE"
	case TypeDate:
		return "INVALID_DATE_VALUE"
	case TypeBlob:
		return "INVALID_BLOB_VALUE"
	case TypeBoolean:
		return "INVALID_BOOLEAN_VALUE"
	}
	return CodeInvalidDataType
}

// Request is a single value submitted for validation. Metadata["field"]
// selects the clinical plausibility heuristic, if any.
type Request struct {
	Value       interface{}            `json:"value"`
	Type        DataType               `json:"type"`
	ConceptCode string                 `json:"conceptCode,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// field returns the metadata field name, if present.
func (r Request) field() string {
	if r.Metadata == nil {
		return ""
	}
	f, _ := r.Metadata["field"].(string)
	return f
}

// ValidationError is a fatal validation finding.
type ValidationError struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
	Details  string   `json:"details,omitempty"`
	Severity Severity `json:"severity"`
	RuleID   string   `json:"ruleId,omitempty"`
	RuleName string   `json:"ruleName,omitempty"`
}

// ValidationWarning is a non-fatal validation finding.
type ValidationWarning struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Field    string   `json:"field,omitempty"`
	Details  string   `json:"details,omitempty"`
	Severity Severity `json:"severity"`
}

// Metadata records the context of a validation run for diagnostics.
type Metadata struct {
	ValidatedAt time.Time   `json:"validatedAt"`
	DataType    DataType    `json:"dataType"`
	ConceptCode string      `json:"conceptCode,omitempty"`
	Value       interface{} `json:"value"`
}

// Result is the outcome of validating one value. IsValid is true exactly
// when Errors is empty.
type Result struct {
	IsValid  bool                `json:"isValid"`
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
	Metadata Metadata            `json:"metadata"`
}

func (r *Result) addError(code, message string) {
	r.Errors = append(r.Errors, ValidationError{Code: code, Message: message, Severity: SeverityError})
}

func (r *Result) addWarning(code, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Code: code, Message: message, Severity: SeverityWarning})
}

// HasError reports whether an error with the given code was recorded.
func (r *Result) HasError(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with the given code was recorded.
func (r *Result) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}
