package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	textunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

type csvColumn int

const (
	colPatient csvColumn = iota + 1
	colVisit
	colConcept
	colValue
	colUnit
	colDate
	colSex
	colBirthDate
	colEndDate
	colLocation
	colAdmission
	colProvider
)

// csvAliases maps normalised header names to reserved columns.
var csvAliases = map[string]csvColumn{
	"patientid":       colPatient,
	"patientnum":      colPatient,
	"patient":         colPatient,
	"pid":             colPatient,
	"visitid":         colVisit,
	"encounterid":     colVisit,
	"encounternum":    colVisit,
	"visit":           colVisit,
	"conceptcd":       colConcept,
	"conceptcode":     colConcept,
	"concept":         colConcept,
	"code":            colConcept,
	"value":           colValue,
	"result":          colValue,
	"unit":            colUnit,
	"units":           colUnit,
	"unitcd":          colUnit,
	"startdate":       colDate,
	"date":            colDate,
	"observationdate": colDate,
	"sex":             colSex,
	"gender":          colSex,
	"sexcd":           colSex,
	"birthdate":       colBirthDate,
	"dob":             colBirthDate,
	"dateofbirth":     colBirthDate,
	"enddate":         colEndDate,
	"dischargedate":   colEndDate,
	"location":        colLocation,
	"locationcd":      colLocation,
	"admissionclass":  colAdmission,
	"inoutcd":         colAdmission,
	"class":           colAdmission,
	"provider":        colProvider,
	"providerid":      colProvider,
}

type csvShape int

const (
	shapeLong csvShape = iota
	shapeWide
	shapePatientsOnly
)

// csvLayout is the header mapping of one file.
type csvLayout struct {
	reserved map[csvColumn]int
	extra    []int
	header   []string
	shape    csvShape
}

func newCSVLayout(header []string) *csvLayout {
	l := &csvLayout{reserved: make(map[csvColumn]int), header: header}
	for i, h := range header {
		col, ok := csvAliases[normalizeHeader(h)]
		if !ok {
			if strings.TrimSpace(h) != "" {
				l.extra = append(l.extra, i)
			}
			continue
		}
		if _, seen := l.reserved[col]; !seen {
			l.reserved[col] = i
		}
	}
	switch {
	case l.has(colConcept) && l.has(colValue):
		l.shape = shapeLong
	case len(l.extra) > 0:
		l.shape = shapeWide
	default:
		l.shape = shapePatientsOnly
	}
	return l
}

func (l *csvLayout) has(col csvColumn) bool {
	_, ok := l.reserved[col]
	return ok
}

// get returns the trimmed cell of a reserved column. Short rows read as
// empty cells.
func (l *csvLayout) get(rec []string, col csvColumn) string {
	i, ok := l.reserved[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func normalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CSVImporter imports delimited text in long (concept/value per row), wide
// (one column per concept) or patients-only layout.
type CSVImporter struct {
	svc Services
}

// NewCSVImporter creates a CSV importer.
func NewCSVImporter(svc Services) *CSVImporter {
	return &CSVImporter{svc: svc}
}

// Format implements FormatImporter.
func (i *CSVImporter) Format() Format { return FormatCSV }

// Import implements FormatImporter.
func (i *CSVImporter) Import(ctx context.Context, content string, opts Options, run Run) *ImportStructure {
	c := newCollector(i.svc, FormatCSV, opts, run)
	return c.guard(CodeCSVParseFailed, func() { i.parse(ctx, content, c) })
}

type wideColumn struct {
	index   int
	code    string
	concept *concept.Concept
}

func (i *CSVImporter) parse(ctx context.Context, content string, c *collector) {
	text, err := decodeText(content)
	if err != nil {
		c.fail(CodeInvalidEncoding, "File encoding could not be decoded", withDetails(err.Error()))
		return
	}
	if strings.TrimSpace(text) == "" {
		c.fail(CodeEmptyFile, "File contains no data")
		return
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(firstLine(text))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	// TrimLeadingSpace would also eat the empty cell before a tab delimiter.
	r.TrimLeadingSpace = r.Comma != '\t'

	header, err := r.Read()
	if err != nil {
		c.fail(CodeCSVParseFailed, "CSV header could not be read", withDetails(err.Error()))
		return
	}
	layout := newCSVLayout(header)
	if !layout.has(colPatient) {
		c.fail(CodeMissingPatientColumn, "No patient identifier column found",
			withDetails("expected one of patient_id, patient_num, patient, pid"))
		return
	}

	var wide []wideColumn
	if layout.shape == shapeWide {
		for _, idx := range layout.extra {
			code := strings.TrimSpace(header[idx])
			cpt := c.lookup(ctx, code)
			if cpt == nil {
				c.warn(CodeUnmappedColumn, fmt.Sprintf("Column %q does not match a known concept and was skipped", code),
					withField(code))
				continue
			}
			wide = append(wide, wideColumn{index: idx, code: code, concept: cpt})
		}
	} else {
		for _, idx := range layout.extra {
			c.warn(CodeUnmappedColumn, fmt.Sprintf("Column %q is not used", strings.TrimSpace(header[idx])),
				withField(strings.TrimSpace(header[idx])))
		}
	}

	rows := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			c.warn(CodeCSVRowSkipped, fmt.Sprintf("Row at line %d could not be parsed", line), withDetails(err.Error()))
			continue
		}
		if blankRecord(rec) {
			continue
		}
		rows++
		if !c.take() {
			break
		}
		line, _ := r.FieldPos(0)
		i.row(ctx, c, layout, wide, rec, line)
	}
	if rows == 0 {
		c.fail(CodeEmptyFile, "File contains a header but no data rows")
	}
}

func (i *CSVImporter) row(ctx context.Context, c *collector, l *csvLayout, wide []wideColumn, rec []string, line int) {
	ext := l.get(rec, colPatient)
	if ext == "" {
		c.warn(CodeCSVRowSkipped, fmt.Sprintf("Row at line %d has no patient identifier", line), withField("patient_id"))
		return
	}
	birth := c.dateCell(l.get(rec, colBirthDate), "birth_date", line)
	patientRef := c.patient(ext, parseSex(l.get(rec, colSex)), birth)

	if l.shape == shapePatientsOnly && !l.has(colVisit) && !l.has(colDate) {
		return
	}

	date := c.dateCell(l.get(rec, colDate), "start_date", line)
	visit := Visit{
		PatientRef: patientRef,
		StartDate:  date,
		EndDate:    c.dateCell(l.get(rec, colEndDate), "end_date", line),
		Location:   l.get(rec, colLocation),
	}
	if a := l.get(rec, colAdmission); a != "" {
		visit.AdmissionClass = parseAdmissionClass(a)
	}
	var visitRef string
	if id := l.get(rec, colVisit); id != "" {
		visitRef = c.visit("id:"+id, visit)
	} else {
		if date == "" {
			date = c.today
		}
		visit.StartDate = date
		visitRef = c.visit("date:"+date, visit)
	}

	base := Observation{
		PatientRef: patientRef,
		VisitRef:   visitRef,
		StartDate:  date,
		ProviderID: l.get(rec, colProvider),
	}
	where := fmt.Sprintf("line %d", line)

	switch l.shape {
	case shapeLong:
		code := l.get(rec, colConcept)
		raw := l.get(rec, colValue)
		if code == "" || raw == "" {
			c.warn(CodeCSVRowSkipped, fmt.Sprintf("Row at line %d has no concept code or value", line))
			return
		}
		cpt := c.lookup(ctx, code)
		addCellObservation(ctx, c, base, code, cpt, raw, l.get(rec, colUnit), where)
	case shapeWide:
		for _, col := range wide {
			if col.index >= len(rec) {
				continue
			}
			raw := strings.TrimSpace(rec[col.index])
			if raw == "" {
				continue
			}
			addCellObservation(ctx, c, base, col.code, col.concept, raw, "", where)
		}
	}
}

// addCellObservation coerces raw to the concept's value type and records the
// observation. Values that cannot be coerced or fail validation are skipped
// with a warning.
func addCellObservation(ctx context.Context, c *collector, base Observation, code string, cpt *concept.Concept, raw, unit, where string) {
	valueType := ""
	if cpt != nil {
		valueType = cpt.ValueType
		if unit == "" {
			unit = cpt.Unit
		}
		base.Category = cpt.Category
	} else {
		c.warnOnce("unknown:"+code, CodeUnknownConcept,
			fmt.Sprintf("Concept %s is unknown, value type inferred", code), withField(code))
	}
	if _, ok := parseValueType(valueType); !ok {
		valueType = inferValueType(raw)
	}
	v, err := coerce(valueType, raw)
	if err != nil {
		c.warn(CodeInvalidValue, fmt.Sprintf("Invalid value for %s at %s", code, where),
			withField(code), withDetails(err.Error()))
		return
	}
	if v.Type == concept.ValueTypeNumeric && !c.validateNumeric(ctx, code, v.Number, where) {
		return
	}
	o := base
	o.ConceptCode = code
	o.Unit = unit
	o.apply(v)
	c.observe(o)
}

// dateCell normalises an optional date cell. Unparseable dates are dropped
// with a warning.
func (c *collector) dateCell(raw, field string, line int) string {
	if raw == "" {
		return ""
	}
	d, ok := normalizeDate(raw)
	if !ok {
		c.warn(CodeInvalidValue, fmt.Sprintf("Invalid date %q at line %d", raw, line), withField(field))
		return ""
	}
	return d
}

// decodeText converts content to UTF-8. A byte order mark selects UTF-8 or
// UTF-16; otherwise invalid UTF-8 is read as Latin-1.
func decodeText(content string) (string, error) {
	fallback := transform.Transformer(encoding.Nop.NewDecoder())
	if !utf8.ValidString(content) {
		fallback = charmap.ISO8859_1.NewDecoder()
	}
	out, _, err := transform.String(textunicode.BOMOverride(fallback), content)
	if err != nil {
		return "", err
	}
	return out, nil
}

var delimiters = []rune{',', ';', '\t', '|'}

// sniffDelimiter picks the candidate delimiter occurring most often outside
// quotes in the header line. Ties go to the earlier candidate.
func sniffDelimiter(line string) rune {
	counts := make(map[rune]int, len(delimiters))
	inQuotes := false
	for _, r := range line {
		if r == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			counts[r]++
		}
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func blankRecord(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
