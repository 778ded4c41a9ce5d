// Package validation checks single clinical values against data-type
// constraints, concept-bound rules and basic plausibility heuristics.
//
// A Validator never returns an error or panics: every failure, including an
// unexpected one inside the validator itself, is reported inside the Result.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

const dateLayout = "2006-01-02"

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// RuleSource supplies the rules bound to a concept code. *concept.Lookup
// satisfies it.
type RuleSource interface {
	Rules(ctx context.Context, code string) ([]concept.Rule, error)
}

// Validator validates values against an instance-scoped Config. Callers
// that change the config while validations run concurrently get whichever
// config was current when each call started.
type Validator struct {
	mu     sync.RWMutex
	cfg    Config
	rules  RuleSource
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Validator with the default rule set. rules may be nil, in
// which case concept codes never resolve any rules.
func New(rules RuleSource, logger zerolog.Logger) *Validator {
	return &Validator{
		cfg:    DefaultConfig(),
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for future/past checks and
// metadata timestamps.
func (v *Validator) SetClock(now func() time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.now = now
}

// Config returns the current rule set.
func (v *Validator) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// SetCustomRules merges p into the current rule set.
func (v *Validator) SetCustomRules(p RulePatch) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = v.cfg.Merge(p)
}

// ResetToDefaults discards all custom rules.
func (v *Validator) ResetToDefaults() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cfg = DefaultConfig()
}

// Validate checks req against the current rule set.
func (v *Validator) Validate(ctx context.Context, req Request) *Result {
	return v.ValidateWith(ctx, v.Config(), req)
}

// ValidateWith checks req against an explicit rule set.
func (v *Validator) ValidateWith(ctx context.Context, cfg Config, req Request) (result *Result) {
	v.mu.RLock()
	now := v.now()
	v.mu.RUnlock()

	result = &Result{
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
		Metadata: Metadata{
			ValidatedAt: now,
			DataType:    req.Type,
			ConceptCode: req.ConceptCode,
			Value:       req.Value,
		},
	}

	defer func() {
		if r := recover(); r != nil {
			result = v.systemFailure(req, now, fmt.Errorf("%v", r))
		}
	}()

	if !req.Type.Valid() {
		result.addError(CodeInvalidDataType, fmt.Sprintf("Unsupported data type: %q", req.Type))
		result.IsValid = false
		return result
	}

	if ok := checkNativeType(req, result); ok {
		checkStandardRules(cfg, req, now, result)
	}

	if req.ConceptCode != "" {
		if err := v.checkConceptRules(ctx, req, result); err != nil {
			return v.systemFailure(req, now, err)
		}
	}

	checkBusinessLogic(req, result)

	result.IsValid = len(result.Errors) == 0
	return result
}

// systemFailure replaces any partial result with a single critical error.
func (v *Validator) systemFailure(req Request, now time.Time, err error) *Result {
	v.logger.Error().Err(err).
		Str("data_type", string(req.Type)).
		Str("concept", req.ConceptCode).
		Msg("validation system failure")
	return &Result{
		IsValid: false,
		Errors: []ValidationError{{
			Code:     CodeValidationError,
			Message:  "Validation could not be completed",
			Details:  err.Error(),
			Severity: SeverityCritical,
		}},
		Warnings: []ValidationWarning{},
		Metadata: Metadata{ValidatedAt: now, DataType: req.Type, ConceptCode: req.ConceptCode, Value: req.Value},
	}
}

// checkNativeType records a type mismatch and reports whether the value may
// go on to the type-specific checks.
func checkNativeType(req Request, result *Result) bool {
	ok := false
	switch req.Type {
	case TypeNumeric:
		f, isNum := toFloat(req.Value)
		ok = isNum && !math.IsNaN(f) && !math.IsInf(f, 0)
	case TypeText:
		_, ok = req.Value.(string)
	case TypeDate:
		switch d := req.Value.(type) {
		case string:
			ok = IsValidDate(d)
		case time.Time:
			ok = !d.IsZero()
		}
	case TypeBlob:
		switch req.Value.(type) {
		case string, []byte:
			ok = true
		}
	case TypeBoolean:
		_, ok = req.Value.(bool)
	}
	if !ok {
		result.addError(InvalidValueCode(req.Type),
			fmt.Sprintf("Value %v is not a valid %s value", describe(req.Value), req.Type))
	}
	return ok
}

func checkStandardRules(cfg Config, req Request, now time.Time, result *Result) {
	switch req.Type {
	case TypeNumeric:
		f, _ := toFloat(req.Value)
		checkNumeric(cfg.Numeric, f, numberLiteral(req.Value, f), result)
	case TypeText:
		checkText(cfg.Text, req.Value.(string), result)
	case TypeDate:
		checkDate(cfg.Date, dateOf(req.Value), truncateDay(now), result)
	case TypeBlob:
		checkBlob(cfg.Blob, req.Value, result)
	}
}

func checkNumeric(rules NumericRules, n float64, literal string, result *Result) {
	if n < rules.Min {
		result.addError(CodeValueBelowMinimum, fmt.Sprintf("Value %s is below minimum %s", literal, formatFloat(rules.Min)))
	}
	if n > rules.Max {
		result.addError(CodeValueAboveMaximum, fmt.Sprintf("Value %s is above maximum %s", literal, formatFloat(rules.Max)))
	}
	if !rules.AllowNegative && n < 0 {
		result.addError(CodeNegativeValueNotAllowed, "Negative values are not allowed")
	}
	if !rules.AllowZero && n == 0 {
		result.addError(CodeZeroValueNotAllowed, "Zero is not allowed")
	}
	if rules.Precision >= 0 {
		if places := decimalPlaces(literal); places > rules.Precision {
			result.addError(CodePrecisionExceeded,
				fmt.Sprintf("Value %s has %d decimal places, at most %d allowed", literal, places, rules.Precision))
		}
	}
}

func checkText(rules TextRules, s string, result *Result) {
	if !rules.AllowEmpty && strings.TrimSpace(s) == "" {
		result.addError(CodeEmptyTextNotAllowed, "Empty text is not allowed")
	}
	n := utf8.RuneCountInString(s)
	if n < rules.MinLength {
		result.addError(CodeTextTooShort, fmt.Sprintf("Text has %d characters, at least %d required", n, rules.MinLength))
	}
	if n > rules.MaxLength {
		result.addError(CodeTextTooLong, fmt.Sprintf("Text has %d characters, at most %d allowed", n, rules.MaxLength))
	}
}

func checkDate(rules DateRules, d, today time.Time, result *Result) {
	if !rules.MinDate.IsZero() && d.Before(truncateDay(rules.MinDate)) {
		result.addError(CodeDateTooEarly, fmt.Sprintf("Date %s is before %s", d.Format(dateLayout), rules.MinDate.Format(dateLayout)))
	}
	if !rules.MaxDate.IsZero() && d.After(truncateDay(rules.MaxDate)) {
		result.addError(CodeDateTooLate, fmt.Sprintf("Date %s is after %s", d.Format(dateLayout), rules.MaxDate.Format(dateLayout)))
	}
	if !rules.AllowFuture && d.After(today) {
		result.addError(CodeFutureDateNotAllowed, "Future dates are not allowed")
	}
	if !rules.AllowPast && d.Before(today) {
		result.addError(CodePastDateNotAllowed, "Past dates are not allowed")
	}
}

func checkBlob(rules BlobRules, v interface{}, result *Result) {
	var size int64
	switch b := v.(type) {
	case string:
		size = int64(len(b))
	case []byte:
		size = int64(len(b))
	}
	if size > rules.MaxSize {
		result.addError(CodeBlobTooLarge, fmt.Sprintf("Blob is %d bytes, at most %d allowed", size, rules.MaxSize))
	}
}

// IsValidDate reports whether s is a calendar date in strict YYYY-MM-DD form.
func IsValidDate(s string) bool {
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

func dateOf(v interface{}) time.Time {
	switch d := v.(type) {
	case string:
		t, _ := time.Parse(dateLayout, d)
		return t
	case time.Time:
		return truncateDay(d)
	}
	return time.Time{}
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// toFloat converts the Go numeric kinds and json.Number to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		return decodeNumber(n)
	}
	return 0, false
}

// numberLiteral keeps the caller's spelling of a json.Number so precision
// checks see "1.50" as two decimal places.
func numberLiteral(v interface{}, f float64) string {
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return formatFloat(f)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func decimalPlaces(literal string) int {
	literal = strings.ToLower(literal)
	if strings.ContainsAny(literal, "e") {
		f, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return 0
		}
		literal = strconv.FormatFloat(f, 'f', -1, 64)
	}
	i := strings.IndexByte(literal, '.')
	if i < 0 {
		return 0
	}
	return len(literal) - i - 1
}

func describe(v interface{}) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return fmt.Sprintf("%v", v)
}
