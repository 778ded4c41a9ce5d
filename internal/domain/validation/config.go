package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// NumericRules bound numeric values. Precision < 0 leaves the number of
// decimal places unconstrained.
type NumericRules struct {
	Min           float64
	Max           float64
	AllowNegative bool
	AllowZero     bool
	Precision     int
}

// TextRules bound text values. Lengths count runes.
type TextRules struct {
	MinLength  int
	MaxLength  int
	AllowEmpty bool
}

// DateRules bound date values. A zero MinDate/MaxDate is unbounded.
type DateRules struct {
	MinDate     time.Time
	MaxDate     time.Time
	AllowFuture bool
	AllowPast   bool
}

// BlobRules bound blob values by byte length.
type BlobRules struct {
	MaxSize int64
}

// Config is the full standard rule set. It is a value: Merge returns a new
// Config and never changes the receiver.
type Config struct {
	Numeric NumericRules
	Text    TextRules
	Date    DateRules
	Blob    BlobRules
}

// DefaultConfig returns the built-in permissive rule set.
func DefaultConfig() Config {
	return Config{
		Numeric: NumericRules{
			Min:           math.Inf(-1),
			Max:           math.Inf(1),
			AllowNegative: true,
			AllowZero:     true,
			Precision:     -1,
		},
		Text: TextRules{
			MinLength:  0,
			MaxLength:  1000,
			AllowEmpty: true,
		},
		Date: DateRules{
			AllowFuture: true,
			AllowPast:   true,
		},
		Blob: BlobRules{
			MaxSize: math.MaxInt64,
		},
	}
}

// NumericPatch overrides selected numeric rules. Nil fields are kept.
type NumericPatch struct {
	Min           *float64
	Max           *float64
	AllowNegative *bool
	AllowZero     *bool
	Precision     *int
}

// TextPatch overrides selected text rules.
type TextPatch struct {
	MinLength  *int
	MaxLength  *int
	AllowEmpty *bool
}

// DatePatch overrides selected date rules.
type DatePatch struct {
	MinDate     *time.Time
	MaxDate     *time.Time
	AllowFuture *bool
	AllowPast   *bool
}

// BlobPatch overrides selected blob rules.
type BlobPatch struct {
	MaxSize *int64
}

// RulePatch is a partial rule set for one or more data types.
type RulePatch struct {
	Numeric *NumericPatch
	Text    *TextPatch
	Date    *DatePatch
	Blob    *BlobPatch
}

// Merge returns c with the non-nil fields of p applied.
func (c Config) Merge(p RulePatch) Config {
	if n := p.Numeric; n != nil {
		setFloat(&c.Numeric.Min, n.Min)
		setFloat(&c.Numeric.Max, n.Max)
		setBool(&c.Numeric.AllowNegative, n.AllowNegative)
		setBool(&c.Numeric.AllowZero, n.AllowZero)
		setInt(&c.Numeric.Precision, n.Precision)
	}
	if t := p.Text; t != nil {
		setInt(&c.Text.MinLength, t.MinLength)
		setInt(&c.Text.MaxLength, t.MaxLength)
		setBool(&c.Text.AllowEmpty, t.AllowEmpty)
	}
	if d := p.Date; d != nil {
		if d.MinDate != nil {
			c.Date.MinDate = *d.MinDate
		}
		if d.MaxDate != nil {
			c.Date.MaxDate = *d.MaxDate
		}
		setBool(&c.Date.AllowFuture, d.AllowFuture)
		setBool(&c.Date.AllowPast, d.AllowPast)
	}
	if b := p.Blob; b != nil && b.MaxSize != nil {
		c.Blob.MaxSize = *b.MaxSize
	}
	return c
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Float returns a pointer to v, for building patches.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// ParsePatch builds a RulePatch for one data type from loosely typed keys,
// as received over HTTP or from the CLI. Unrecognised keys are ignored.
func ParsePatch(t DataType, rules map[string]interface{}) (RulePatch, error) {
	var p RulePatch
	var err error
	switch t {
	case TypeNumeric:
		n := &NumericPatch{}
		if n.Min, err = floatKey(rules, "min"); err != nil {
			return p, err
		}
		if n.Max, err = floatKey(rules, "max"); err != nil {
			return p, err
		}
		if n.AllowNegative, err = boolKey(rules, "allowNegative"); err != nil {
			return p, err
		}
		if n.AllowZero, err = boolKey(rules, "allowZero"); err != nil {
			return p, err
		}
		if n.Precision, err = intKey(rules, "precision"); err != nil {
			return p, err
		}
		p.Numeric = n
	case TypeText:
		tp := &TextPatch{}
		if tp.MinLength, err = intKey(rules, "minLength"); err != nil {
			return p, err
		}
		if tp.MaxLength, err = intKey(rules, "maxLength"); err != nil {
			return p, err
		}
		if tp.AllowEmpty, err = boolKey(rules, "allowEmpty"); err != nil {
			return p, err
		}
		p.Text = tp
	case TypeDate:
		d := &DatePatch{}
		if d.MinDate, err = dateKey(rules, "minDate"); err != nil {
			return p, err
		}
		if d.MaxDate, err = dateKey(rules, "maxDate"); err != nil {
			return p, err
		}
		if d.AllowFuture, err = boolKey(rules, "allowFuture"); err != nil {
			return p, err
		}
		if d.AllowPast, err = boolKey(rules, "allowPast"); err != nil {
			return p, err
		}
		p.Date = d
	case TypeBlob:
		size, err := intKey(rules, "maxSize")
		if err != nil {
			return p, err
		}
		if size != nil {
			p.Blob = &BlobPatch{MaxSize: Int64(int64(*size))}
		}
	case TypeBoolean:
	default:
		return p, fmt.Errorf("unsupported data type %q", t)
	}
	return p, nil
}

func floatKey(m map[string]interface{}, key string) (*float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := toFloat(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &f, nil
}

func intKey(m map[string]interface{}, key string) (*int, error) {
	f, err := floatKey(m, key)
	if err != nil || f == nil {
		return nil, err
	}
	if *f != math.Trunc(*f) {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	i := int(*f)
	return &i, nil
}

func boolKey(m map[string]interface{}, key string) (*bool, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return nil, fmt.Errorf("%s must be a boolean", key)
	}
	return &b, nil
}

func dateKey(m map[string]interface{}, key string) (*time.Time, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok || !IsValidDate(s) {
		return nil, fmt.Errorf("%s must be a YYYY-MM-DD date", key)
	}
	d, _ := time.Parse(dateLayout, s)
	return &d, nil
}

// decodeNumber accepts json.Number so request bodies decoded with UseNumber
// keep their literal precision.
func decodeNumber(n json.Number) (float64, bool) {
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}
