package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/domain/concept"
	"github.com/ehr/clinicalimport/internal/domain/validation"
)

// ConceptSource resolves concept metadata. *concept.Lookup satisfies it.
type ConceptSource interface {
	Concept(ctx context.Context, code string) (*concept.Concept, error)
}

// ValueValidator checks a single value. *validation.Validator satisfies it.
type ValueValidator interface {
	Validate(ctx context.Context, req validation.Request) *validation.Result
}

// Services are the collaborators shared by the importers. Every field is
// optional.
type Services struct {
	Concepts  ConceptSource
	Validator ValueValidator
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (s Services) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const defaultProviderID = "@"

// collector accumulates entities and issues for one import run and builds
// the final envelope.
type collector struct {
	svc    Services
	format Format
	opts   Options
	run    Run
	today  string

	errors   []ImportError
	warnings []ImportWarning
	once     map[string]bool

	patients     []Patient
	patientIdx   map[string]int
	visits       []Visit
	visitIdx     map[string]int
	observations []Observation

	concepts map[string]*concept.Concept
	records  int
	document *DocumentMetadata
}

func newCollector(svc Services, format Format, opts Options, run Run) *collector {
	if run.ImportID == "" {
		run.ImportID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = svc.now()
	}
	if opts.Context.ProviderID == "" {
		opts.Context.ProviderID = defaultProviderID
	}
	if opts.Context.SourceSystem == "" && format != FormatNone {
		opts.Context.SourceSystem = "IMPORT_" + strings.ToUpper(string(format))
	}
	return &collector{
		svc:        svc,
		format:     format,
		opts:       opts,
		run:        run,
		today:      run.StartedAt.UTC().Format("2006-01-02"),
		once:       make(map[string]bool),
		patientIdx: make(map[string]int),
		visitIdx:   make(map[string]int),
		concepts:   make(map[string]*concept.Concept),
	}
}

type issueOption func(*ImportError)

func withField(f string) issueOption {
	return func(e *ImportError) { e.Field = f }
}

func withDetails(d string) issueOption {
	return func(e *ImportError) { e.Details = d }
}

func withSeverity(s Severity) issueOption {
	return func(e *ImportError) { e.Severity = s }
}

func (c *collector) issue(code, message string, severity Severity, opts []issueOption) ImportError {
	e := ImportError{
		Code:      code,
		Message:   message,
		Severity:  severity,
		Timestamp: c.svc.now().UTC(),
	}
	for _, o := range opts {
		o(&e)
	}
	return e
}

func (c *collector) fail(code, message string, opts ...issueOption) {
	c.errors = append(c.errors, c.issue(code, message, SeverityError, opts))
}

func (c *collector) warn(code, message string, opts ...issueOption) {
	c.warnings = append(c.warnings, ImportWarning(c.issue(code, message, SeverityWarning, opts)))
}

// warnOnce records a warning the first time key is seen.
func (c *collector) warnOnce(key, code, message string, opts ...issueOption) {
	if c.once[key] {
		return
	}
	c.once[key] = true
	c.warn(code, message, opts...)
}

func (c *collector) failed() bool { return len(c.errors) > 0 }

// take counts one source record. It reports false once the limit is reached.
func (c *collector) take() bool {
	if c.opts.Limit > 0 && c.records >= c.opts.Limit {
		c.warnOnce("limit", CodeImportLimitReached,
			fmt.Sprintf("Import limit of %d records reached, remaining records skipped", c.opts.Limit))
		return false
	}
	c.records++
	return true
}

// patient returns the local id of the patient with the given external id,
// creating it on first use. Known sex and birth date fill gaps on an
// existing patient.
func (c *collector) patient(externalID string, sex Sex, birthDate string) string {
	if i, ok := c.patientIdx[externalID]; ok {
		p := &c.patients[i]
		if p.Sex == SexUnknown && sex != "" && sex != SexUnknown {
			p.Sex = sex
		}
		if p.BirthDate == "" {
			p.BirthDate = birthDate
		}
		return p.LocalID
	}
	if sex == "" {
		sex = SexUnknown
	}
	p := Patient{
		LocalID:            fmt.Sprintf("pat-%d", len(c.patients)+1),
		ExternalIdentifier: externalID,
		Sex:                sex,
		BirthDate:          birthDate,
	}
	c.patientIdx[externalID] = len(c.patients)
	c.patients = append(c.patients, p)
	return p.LocalID
}

// visit returns the local id of the visit identified by key, creating it
// from v on first use.
func (c *collector) visit(key string, v Visit) string {
	key = v.PatientRef + "|" + key
	if i, ok := c.visitIdx[key]; ok {
		existing := &c.visits[i]
		if existing.EndDate == "" {
			existing.EndDate = v.EndDate
		}
		if existing.Location == "" {
			existing.Location = v.Location
		}
		return existing.LocalID
	}
	v.LocalID = fmt.Sprintf("vis-%d", len(c.visits)+1)
	if v.StartDate == "" {
		v.StartDate = c.today
	}
	if v.AdmissionClass == "" {
		v.AdmissionClass = AdmissionOutpatient
	}
	if v.Location == "" {
		v.Location = c.opts.Context.Location
	}
	c.visitIdx[key] = len(c.visits)
	c.visits = append(c.visits, v)
	return v.LocalID
}

// visitForDate returns a visit of the patient on the given day.
func (c *collector) visitForDate(patientRef, date string) string {
	if date == "" {
		date = c.today
	}
	return c.visit("date:"+date, Visit{PatientRef: patientRef, StartDate: date})
}

func (c *collector) observe(o Observation) {
	if o.StartDate == "" {
		o.StartDate = c.today
	}
	if o.ProviderID == "" {
		o.ProviderID = c.opts.Context.ProviderID
	}
	if o.SourceSystem == "" {
		o.SourceSystem = c.opts.Context.SourceSystem
	}
	if o.Category == "" {
		switch {
		case o.ValueType == concept.ValueTypeMedication:
			o.Category = "medication"
		case o.ValueType == concept.ValueTypeQuestionnaire || c.format == FormatHTML:
			o.Category = "survey"
		default:
			o.Category = "import"
		}
	}
	c.observations = append(c.observations, o)
}

// lookup resolves concept metadata, memoised per run. Lookup failures are
// reported once per code and treated as an unknown concept.
func (c *collector) lookup(ctx context.Context, code string) *concept.Concept {
	if cached, ok := c.concepts[code]; ok {
		return cached
	}
	var found *concept.Concept
	if c.svc.Concepts != nil {
		var err error
		found, err = c.svc.Concepts.Concept(ctx, code)
		if err != nil {
			c.svc.Logger.Warn().Err(err).Str("concept", code).Msg("concept lookup failed")
			c.warnOnce("lookup:"+code, CodeConceptLookupFailed,
				fmt.Sprintf("Concept %s could not be resolved", code), withField(code), withDetails(err.Error()))
			found = nil
		}
	}
	c.concepts[code] = found
	return found
}

// validateNumeric runs a numeric value through the validator. It returns
// false, after recording a warning, when the value is rejected.
func (c *collector) validateNumeric(ctx context.Context, code string, n float64, where string) bool {
	if c.svc.Validator == nil {
		return true
	}
	res := c.svc.Validator.Validate(ctx, validation.Request{
		Value:       n,
		Type:        validation.TypeNumeric,
		ConceptCode: code,
		Metadata:    map[string]interface{}{"field": code},
	})
	if res == nil || res.IsValid {
		return true
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		msgs = append(msgs, e.Code+": "+e.Message)
	}
	c.warn(CodeValueValidationFailed,
		fmt.Sprintf("Value %s for %s failed validation (%s)", formatNumber(n), code, where),
		withField(code), withDetails(strings.Join(msgs, "; ")))
	return false
}

// finish builds the envelope.
func (c *collector) finish() *ImportStructure {
	now := c.svc.now()
	s := &ImportStructure{
		Errors:   c.errors,
		Warnings: c.warnings,
		Data: &ImportData{
			Patients:     nonNil(c.patients),
			Visits:       nonNil(c.visits),
			Observations: nonNil(c.observations),
		},
		Metadata: ImportMetadata{
			ImportID:         c.run.ImportID,
			Filename:         c.run.Filename,
			Format:           c.format,
			FileSize:         c.run.FileSize,
			ImportedAt:       now.UTC(),
			ProcessingTimeMs: now.Sub(c.run.StartedAt).Milliseconds(),
			RecordCount:      c.records,
			Document:         c.document,
		},
	}
	s.finalize()
	return s
}

// guard runs fn and converts a panic into an error with the given code.
func (c *collector) guard(code string, fn func()) (out *ImportStructure) {
	defer func() {
		if r := recover(); r != nil {
			c.svc.Logger.Error().Interface("panic", r).Str("format", string(c.format)).Msg("importer panic recovered")
			c.fail(code, fmt.Sprintf("%s import failed unexpectedly", strings.ToUpper(string(c.format))),
				withDetails(fmt.Sprint(r)), withSeverity(SeverityCritical))
			out = c.finish()
		}
	}()
	fn()
	return c.finish()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatNumber(n float64) string {
	return fmt.Sprintf("%g", n)
}

// parseSex maps the usual spellings onto M, F and U.
func parseSex(s string) Sex {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male", "man", "männlich", "maennlich":
		return SexMale
	case "f", "female", "woman", "w", "weiblich":
		return SexFemale
	}
	return SexUnknown
}

// parseAdmissionClass maps HL7 v3 act codes and plain names.
func parseAdmissionClass(s string) AdmissionClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imp", "inpatient", "acute", "nonac", "stationär", "stationaer", "i":
		return AdmissionInpatient
	case "emer", "emergency", "e", "notfall":
		return AdmissionEmergency
	}
	return AdmissionOutpatient
}
