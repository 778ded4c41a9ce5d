package validation

import "fmt"

// plausibility bounds keyed by Request.Metadata["field"]. Bounds are
// inclusive.
var plausibility = map[string]struct {
	code     string
	label    string
	min, max float64
}{
	"AGE_IN_YEARS":   {CodeInvalidAgeRange, "Age", 0, 150},
	"BLOOD_PRESSURE": {CodeInvalidBloodPressure, "Blood pressure", 50, 300},
	"HEART_RATE":     {CodeInvalidHeartRate, "Heart rate", 30, 250},
}

// checkBusinessLogic applies clinical plausibility heuristics. Values that
// are not numeric are left to the type checks.
func checkBusinessLogic(req Request, result *Result) {
	field := req.field()
	bounds, ok := plausibility[field]
	if !ok {
		return
	}
	n, ok := numericOperand(req.Value)
	if !ok {
		return
	}
	if n < bounds.min || n > bounds.max {
		result.Errors = append(result.Errors, ValidationError{
			Code:     bounds.code,
			Message:  fmt.Sprintf("%s %s is outside the plausible range %s-%s", bounds.label, formatFloat(n), formatFloat(bounds.min), formatFloat(bounds.max)),
			Field:    field,
			Severity: SeverityError,
		})
	}
}
