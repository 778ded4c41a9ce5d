package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

// ruleDefinition is the parsed form of concept.Rule.Definition. Params may
// be omitted, in which case the definition object itself carries them.
type ruleDefinition struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// ruleEvaluator reports whether value satisfies a rule. A returned error
// means the rule could not be executed against the value.
type ruleEvaluator func(params json.RawMessage, value interface{}) (bool, error)

var evaluators = map[string]ruleEvaluator{
	"range":   evalRange,
	"enum":    evalEnum,
	"pattern": evalPattern,
}

func (v *Validator) checkConceptRules(ctx context.Context, req Request, result *Result) error {
	if v.rules == nil {
		result.addWarning(CodeNoConceptRules, fmt.Sprintf("No rules found for concept %s", req.ConceptCode))
		return nil
	}
	rules, err := v.rules.Rules(ctx, req.ConceptCode)
	if err != nil {
		return fmt.Errorf("load rules for %s: %w", req.ConceptCode, err)
	}
	if len(rules) == 0 {
		result.addWarning(CodeNoConceptRules, fmt.Sprintf("No rules found for concept %s", req.ConceptCode))
		return nil
	}
	for _, rule := range rules {
		if violation := evaluateRule(rule, req.Value); violation != nil {
			result.Errors = append(result.Errors, *violation)
		}
	}
	return nil
}

// evaluateRule runs one rule. Parse failures and evaluator panics are
// reported as violations of that rule only.
func evaluateRule(rule concept.Rule, value interface{}) (violation *ValidationError) {
	defer func() {
		if r := recover(); r != nil {
			violation = ruleViolation(rule, fmt.Sprintf("rule execution failed: %v", r))
		}
	}()

	def, params, err := parseDefinition(rule.Definition)
	if err != nil {
		return ruleViolation(rule, "rule execution failed: invalid definition: "+err.Error())
	}
	eval, ok := evaluators[def.Type]
	if !ok {
		return nil
	}
	passed, err := eval(params, value)
	if err != nil {
		return ruleViolation(rule, "rule execution failed: "+err.Error())
	}
	if !passed {
		return ruleViolation(rule, "")
	}
	return nil
}

func ruleViolation(rule concept.Rule, details string) *ValidationError {
	name := rule.Name
	if name == "" {
		name = rule.ID
	}
	return &ValidationError{
		Code:     CodeConceptRuleViolation,
		Message:  fmt.Sprintf("Value violates rule %q", name),
		Details:  details,
		Severity: SeverityError,
		RuleID:   rule.ID,
		RuleName: rule.Name,
	}
}

// parseDefinition decodes a rule definition. Definitions stored as a JSON
// string holding JSON are unwrapped first.
func parseDefinition(raw json.RawMessage) (ruleDefinition, json.RawMessage, error) {
	var def ruleDefinition
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return def, nil, fmt.Errorf("empty definition")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return def, nil, err
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return def, nil, err
	}
	if def.Type == "" {
		return def, nil, fmt.Errorf("definition has no type")
	}
	params := def.Params
	if len(bytes.TrimSpace(params)) == 0 || string(bytes.TrimSpace(params)) == "null" {
		params = raw
	}
	return def, params, nil
}

func evalRange(params json.RawMessage, value interface{}) (bool, error) {
	var p struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false, fmt.Errorf("invalid range params: %w", err)
	}
	n, ok := numericOperand(value)
	if !ok {
		return false, fmt.Errorf("range rule requires a numeric value, got %s", describe(value))
	}
	if p.Min != nil && n < *p.Min {
		return false, nil
	}
	if p.Max != nil && n > *p.Max {
		return false, nil
	}
	return true, nil
}

func evalEnum(params json.RawMessage, value interface{}) (bool, error) {
	var p struct {
		Values []interface{} `json:"values"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false, fmt.Errorf("invalid enum params: %w", err)
	}
	if p.Values == nil {
		return false, fmt.Errorf("enum rule has no values")
	}
	for _, candidate := range p.Values {
		if sameValue(candidate, value) {
			return true, nil
		}
	}
	return false, nil
}

func evalPattern(params json.RawMessage, value interface{}) (bool, error) {
	var p struct {
		Regex string `json:"regex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false, fmt.Errorf("invalid pattern params: %w", err)
	}
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return false, fmt.Errorf("invalid pattern: %w", err)
	}
	return re.MatchString(fmt.Sprint(value)), nil
}

// numericOperand accepts numbers and numeric strings.
func numericOperand(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func sameValue(a, b interface{}) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		return fa == fb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
