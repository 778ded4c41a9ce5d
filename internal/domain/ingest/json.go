package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

// JSONImporter imports generic JSON exports, either as a graph of
// patients/visits/observations arrays or as a single-patient document.
type JSONImporter struct {
	svc Services
}

// NewJSONImporter creates a JSON importer.
func NewJSONImporter(svc Services) *JSONImporter {
	return &JSONImporter{svc: svc}
}

// Format implements FormatImporter.
func (i *JSONImporter) Format() Format { return FormatJSON }

// Import implements FormatImporter.
func (i *JSONImporter) Import(ctx context.Context, content string, opts Options, run Run) *ImportStructure {
	c := newCollector(i.svc, FormatJSON, opts, run)
	return c.guard(CodeJSONParseFailed, func() { i.parse(ctx, content, c) })
}

// jsonGraph is the normalised shape of both accepted layouts.
type jsonGraph struct {
	patients     []interface{}
	visits       []interface{}
	observations []interface{}
}

func (i *JSONImporter) parse(ctx context.Context, content string, c *collector) {
	root, err := decodeJSON(content)
	if err != nil {
		c.fail(CodeInvalidJSON, "File is not valid JSON", withDetails(err.Error()))
		return
	}
	obj, ok := root.(map[string]interface{})
	if !ok {
		c.fail(CodeInvalidJSONStructure, "Top-level JSON value must be an object")
		return
	}
	g, ok := toGraph(obj)
	if !ok {
		c.fail(CodeMissingRequiredKeys, "JSON document has neither patients/visits/observations arrays nor a patient",
			withDetails("expected keys: patients, visits, observations, or patient"))
		return
	}

	patients := make(map[string]string)
	for idx, raw := range g.patients {
		where := fmt.Sprintf("patients[%d]", idx)
		m, ok := raw.(map[string]interface{})
		if !ok {
			c.warn(CodeMissingRequiredField, where+" is not an object", withField(where))
			continue
		}
		id := firstString(m, "id", "patientId")
		if id == "" {
			c.warn(CodeMissingRequiredField, where+" has no id", withField(where+".id"))
			continue
		}
		ext := firstString(m, "externalIdentifier", "identifier")
		if ext == "" {
			ext = id
		}
		birth := ""
		if b := firstString(m, "birthDate", "dob"); b != "" {
			if d, ok := normalizeDate(b); ok {
				birth = d
			} else {
				c.warn(CodeInvalidValue, fmt.Sprintf("Invalid birth date %q", b), withField(where+".birthDate"))
			}
		}
		patients[id] = c.patient(ext, parseSex(firstString(m, "sex", "gender")), birth)
	}

	visits := make(map[string]string)
	for idx, raw := range g.visits {
		where := fmt.Sprintf("visits[%d]", idx)
		m, ok := raw.(map[string]interface{})
		if !ok {
			c.warn(CodeMissingRequiredField, where+" is not an object", withField(where))
			continue
		}
		id, pid, start := firstString(m, "id"), firstString(m, "patientId"), firstString(m, "startDate")
		if missing := missingKeys(map[string]string{"id": id, "patientId": pid, "startDate": start}); missing != "" {
			c.warn(CodeMissingRequiredField, fmt.Sprintf("%s is missing %s", where, missing), withField(where))
			continue
		}
		patientRef, ok := patients[pid]
		if !ok {
			c.warn(CodeUnknownPatientReference, fmt.Sprintf("%s references unknown patient %s", where, pid), withField(where+".patientId"))
			continue
		}
		startDate, ok := normalizeDate(start)
		if !ok {
			c.warn(CodeInvalidValue, fmt.Sprintf("Invalid start date %q", start), withField(where+".startDate"))
			continue
		}
		endDate, _ := normalizeDate(firstString(m, "endDate"))
		v := Visit{
			PatientRef: patientRef,
			StartDate:  startDate,
			EndDate:    endDate,
			Location:   firstString(m, "location"),
		}
		if a := firstString(m, "admissionClass", "class", "inout"); a != "" {
			v.AdmissionClass = parseAdmissionClass(a)
		}
		visits[id] = c.visit("id:"+id, v)
	}

	for idx, raw := range g.observations {
		if !c.take() {
			break
		}
		i.observation(ctx, c, fmt.Sprintf("observations[%d]", idx), raw, patients, visits)
	}
}

func (i *JSONImporter) observation(ctx context.Context, c *collector, where string, raw interface{}, patients, visits map[string]string) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		c.warn(CodeMissingRequiredField, where+" is not an object", withField(where))
		return
	}
	pid, code := firstString(m, "patientId"), firstString(m, "conceptCode")
	if missing := missingKeys(map[string]string{"patientId": pid, "conceptCode": code}); missing != "" {
		c.warn(CodeMissingRequiredField, fmt.Sprintf("%s is missing %s", where, missing), withField(where))
		return
	}
	patientRef, ok := patients[pid]
	if !ok {
		c.warn(CodeUnknownPatientReference, fmt.Sprintf("%s references unknown patient %s", where, pid), withField(where+".patientId"))
		return
	}

	date := ""
	if d := firstString(m, "startDate", "date", "effectiveDateTime"); d != "" {
		nd, ok := normalizeDate(d)
		if !ok {
			c.warn(CodeInvalidValue, fmt.Sprintf("Invalid date %q", d), withField(where+".startDate"))
			return
		}
		date = nd
	}

	visitRef, ok := visits[firstString(m, "visitId", "encounterId")]
	if !ok {
		visitRef = c.visitForDate(patientRef, date)
	}

	cpt := c.lookup(ctx, code)
	if cpt == nil {
		c.warnOnce("unknown:"+code, CodeUnknownConcept,
			fmt.Sprintf("Concept %s is unknown, value type inferred", code), withField(code))
	}
	v, err := resolveJSONValue(m, cpt)
	if err != nil {
		c.warn(CodeInvalidValue, fmt.Sprintf("Invalid value for %s in %s", code, where),
			withField(where+".value"), withDetails(err.Error()))
		return
	}
	if v.Type == concept.ValueTypeNumeric && !c.validateNumeric(ctx, code, v.Number, where) {
		return
	}

	o := Observation{
		PatientRef:  patientRef,
		VisitRef:    visitRef,
		ConceptCode: code,
		StartDate:   date,
		Unit:        firstString(m, "unit"),
		Category:    firstString(m, "category"),
		ProviderID:  firstString(m, "providerId"),
	}
	if cpt != nil {
		if o.Unit == "" {
			o.Unit = cpt.Unit
		}
		if o.Category == "" {
			o.Category = cpt.Category
		}
	}
	o.apply(v)
	c.observe(o)
}

// resolveJSONValue picks the value type (explicit valueType, then concept
// metadata, then HL7-style value keys, then the JSON kind) and coerces the
// value to it.
func resolveJSONValue(m map[string]interface{}, cpt *concept.Concept) (Value, error) {
	valueType := ""
	if s := firstString(m, "valueType"); s != "" {
		vt, ok := parseValueType(s)
		if !ok {
			return Value{}, fmt.Errorf("unknown value type %q", s)
		}
		valueType = vt
	}
	if valueType == "" && cpt != nil {
		valueType, _ = parseValueType(cpt.ValueType)
	}

	raw, hasRaw := m["value"]
	hasRaw = hasRaw && raw != nil
	if !hasRaw {
		decoded, ok := DecodeValue(m)
		if !ok {
			return Value{}, fmt.Errorf("no value present")
		}
		if valueType == "" || valueType == decoded.Type {
			return decoded, nil
		}
		if decoded.Type == concept.ValueTypeNumeric {
			raw = decoded.Number
		} else {
			raw = decoded.Text
		}
	}
	if valueType == "" {
		valueType = inferValueType(raw)
	}
	return coerce(valueType, raw)
}

// toGraph normalises the accepted layouts into one graph.
func toGraph(obj map[string]interface{}) (jsonGraph, bool) {
	_, hasP := obj["patients"].([]interface{})
	_, hasV := obj["visits"].([]interface{})
	_, hasO := obj["observations"].([]interface{})
	graph := jsonGraph{
		patients:     arrayField(obj, "patients"),
		visits:       arrayField(obj, "visits"),
		observations: arrayField(obj, "observations"),
	}
	if hasP {
		return graph, true
	}

	p := objectField(obj, "patient")
	if p == nil && firstString(obj, "id", "patientId") != "" {
		p = obj
	}
	if p == nil {
		return graph, hasV || hasO
	}
	pid := firstString(p, "id", "patientId")
	patient := map[string]interface{}{}
	for k, v := range p {
		patient[k] = v
	}
	patient["id"] = pid

	visits := arrayField(obj, "visits")
	if visits == nil {
		visits = arrayField(obj, "encounters")
	}
	for _, v := range visits {
		if m, ok := v.(map[string]interface{}); ok && firstString(m, "patientId") == "" {
			m["patientId"] = pid
		}
	}
	observations := arrayField(obj, "observations")
	for _, o := range observations {
		if m, ok := o.(map[string]interface{}); ok && firstString(m, "patientId") == "" {
			m["patientId"] = pid
		}
	}
	return jsonGraph{
		patients:     []interface{}{patient},
		visits:       visits,
		observations: observations,
	}, true
}

func decodeJSON(content string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after top-level value")
	}
	return v, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

// missingKeys lists, in a stable order, the keys whose values are empty.
func missingKeys(fields map[string]string) string {
	order := []string{"id", "patientId", "startDate", "conceptCode"}
	var missing []string
	for _, k := range order {
		if v, ok := fields[k]; ok && v == "" {
			missing = append(missing, k)
		}
	}
	return strings.Join(missing, ", ")
}
