package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/clinicalimport/internal/domain/concept"
)

// ItemTypeFallback infers a questionnaire item type ("text", "number",
// "radio" or "checkbox") from the item label when the item carries none.
type ItemTypeFallback func(label string) string

// KeywordItemTypeFallback guesses item types from German label keywords.
// It only knows a handful of phrases and returns "text" for anything else.
func KeywordItemTypeFallback(label string) string {
	l := strings.ToLower(label)
	switch {
	case containsAny(l, "anzahl", "alter", "gewicht", "größe", "groesse", "wie viele", "wie oft", "punktzahl"):
		return "number"
	case containsAny(l, "mehrfachauswahl", "alle zutreffenden", "mehrere antworten"):
		return "checkbox"
	case containsAny(l, "ja/nein", "ja / nein", "bitte wählen", "bitte waehlen"):
		return "radio"
	}
	return "text"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// HL7Importer imports JSON-encoded CDA-like documents carrying FHIR-style
// resources. XML documents are rejected.
type HL7Importer struct {
	svc      Services
	fallback ItemTypeFallback
}

// NewHL7Importer creates an HL7 importer using KeywordItemTypeFallback.
func NewHL7Importer(svc Services) *HL7Importer {
	return &HL7Importer{svc: svc, fallback: KeywordItemTypeFallback}
}

// WithItemTypeFallback replaces the questionnaire item type fallback. A nil
// fallback leaves untyped items untyped.
func (i *HL7Importer) WithItemTypeFallback(f ItemTypeFallback) *HL7Importer {
	i.fallback = f
	return i
}

// Format implements FormatImporter.
func (i *HL7Importer) Format() Format { return FormatHL7 }

// Import implements FormatImporter.
func (i *HL7Importer) Import(ctx context.Context, content string, opts Options, run Run) *ImportStructure {
	c := newCollector(i.svc, FormatHL7, opts, run)
	return c.guard(CodeHL7ParseFailed, func() { i.parse(ctx, content, c) })
}

// hl7Run holds the per-document reference maps.
type hl7Run struct {
	c           *collector
	meta        DocumentMetadata
	docDate     string
	patients    map[string]string
	primary     string
	encounters  map[string]string
	byPatient   map[string]string
	placeholder bool
}

func (i *HL7Importer) parse(ctx context.Context, content string, c *collector) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(content, "\ufeff"))
	if strings.HasPrefix(trimmed, "<") {
		c.fail(CodeUnsupportedHL7Format, "XML HL7 format not yet supported",
			withDetails("only JSON-encoded CDA documents can be imported"))
		return
	}
	root, err := decodeJSON(trimmed)
	if err != nil {
		c.fail(CodeInvalidJSON, "HL7 document is not valid JSON", withDetails(err.Error()))
		return
	}
	if root == nil {
		c.fail(CodeMissingDocument, "HL7 document is empty")
		return
	}
	obj, ok := root.(map[string]interface{})
	if !ok {
		c.fail(CodeInvalidCDA, "HL7 document must be a JSON object")
		return
	}

	doc := obj
	if raw, has := obj["cda"]; has {
		if raw == nil {
			c.fail(CodeMissingDocument, "CDA document is empty", withField("cda"))
			return
		}
		cda, ok := raw.(map[string]interface{})
		if !ok {
			c.fail(CodeInvalidCDA, "cda must be an object", withField("cda"))
			return
		}
		if _, ok := cda["section"].([]interface{}); !ok {
			c.fail(CodeInvalidCDA, "CDA document has no section array", withField("cda.section"))
			return
		}
		doc = cda
	}

	if documentType(doc) == "" && documentType(obj) == "" {
		c.fail(CodeMissingDocumentType, "HL7 document has no type", withField("type"))
		return
	}

	meta := ExtractHl7Metadata(doc)
	if meta.Type == defaultDocumentType && documentType(obj) != "" {
		meta.Type = documentType(obj)
	}
	c.document = &meta

	checkSignatures(c, doc["signature"])

	resources := collectResources(doc)
	if len(resources) == 0 {
		c.warn(CodeMissingClinicalContent, "Document contains no section or entry content")
	}

	h := &hl7Run{
		c:          c,
		meta:       meta,
		patients:   make(map[string]string),
		encounters: make(map[string]string),
		byPatient:  make(map[string]string),
	}
	h.docDate, _ = normalizeDate(meta.EffectiveTime)

	var patients, encounters, clinical []map[string]interface{}
	if p := documentPatient(doc); p != nil {
		patients = append(patients, p)
	}
	if e := objectField(doc, "encounter"); e != nil {
		encounters = append(encounters, e)
	}
	for _, r := range resources {
		if !c.take() {
			break
		}
		switch resourceKind(r) {
		case "Patient":
			patients = append(patients, r)
		case "Encounter":
			encounters = append(encounters, r)
		case "Observation", "MedicationStatement", "MedicationRequest", "MedicationAdministration", "QuestionnaireResponse":
			clinical = append(clinical, r)
		default:
			c.svc.Logger.Debug().Str("resource_type", resourceKind(r)).Msg("hl7 resource ignored")
		}
	}

	for _, p := range patients {
		h.addPatient(p)
	}
	for _, e := range encounters {
		h.addEncounter(e)
	}
	for _, r := range clinical {
		switch resourceKind(r) {
		case "Observation":
			h.addObservation(ctx, r)
		case "QuestionnaireResponse":
			h.addQuestionnaire(r, i.fallback)
		default:
			h.addMedication(r)
		}
	}
}

func (h *hl7Run) addPatient(r map[string]interface{}) {
	ext := identifierOf(r["identifier"])
	if ext == "" {
		ext = stringField(r, "id")
	}
	if ext == "" {
		ext = h.meta.ID + "-patient"
	}
	birth, _ := normalizeDate(stringField(r, "birthDate"))
	ref := h.c.patient(ext, parseGender(stringField(r, "gender")), birth)
	if id := stringField(r, "id"); id != "" {
		h.patients[id] = ref
	}
	if h.primary == "" {
		h.primary = ref
	}
}

// patientFor resolves the patient of a resource, creating a placeholder
// patient when the document has none.
func (h *hl7Run) patientFor(r map[string]interface{}) string {
	for _, key := range []string{"subject", "patient"} {
		if id := referenceID(objectField(r, key)); id != "" {
			if ref, ok := h.patients[id]; ok {
				return ref
			}
		}
	}
	if h.primary != "" {
		return h.primary
	}
	h.primary = h.c.patient(h.meta.ID+"-patient", SexUnknown, "")
	if !h.placeholder {
		h.placeholder = true
		h.c.warn(CodeMissingPatient, "Document has no patient, a placeholder patient was created")
	}
	return h.primary
}

func (h *hl7Run) addEncounter(r map[string]interface{}) {
	patientRef := h.patientFor(r)
	period := objectField(r, "period")
	start, ok := normalizeDate(stringField(period, "start"))
	if !ok {
		start = h.docDate
	}
	if start == "" {
		start = h.c.today
	}
	end, _ := normalizeDate(stringField(period, "end"))
	key := stringField(r, "id")
	if key == "" {
		key = "date:" + start
	} else {
		key = "id:" + key
	}
	ref := h.c.visit(key, Visit{
		PatientRef:     patientRef,
		StartDate:      start,
		EndDate:        end,
		Location:       encounterLocation(r),
		AdmissionClass: parseAdmissionClass(encounterClass(r["class"])),
	})
	if id := stringField(r, "id"); id != "" {
		h.encounters[id] = ref
	}
	if _, ok := h.byPatient[patientRef]; !ok {
		h.byPatient[patientRef] = ref
	}
}

// visitFor resolves the visit of a resource, synthesising one on date when
// the document has no encounter for the patient.
func (h *hl7Run) visitFor(r map[string]interface{}, patientRef, date string) string {
	for _, key := range []string{"encounter", "context"} {
		if id := referenceID(objectField(r, key)); id != "" {
			if ref, ok := h.encounters[id]; ok {
				return ref
			}
		}
	}
	if ref, ok := h.byPatient[patientRef]; ok {
		return ref
	}
	h.c.warnOnce("encounter:"+patientRef, CodeMissingEncounter,
		"Document has no encounter, an outpatient visit was synthesised")
	if date == "" {
		date = h.docDate
	}
	return h.c.visitForDate(patientRef, date)
}

func (h *hl7Run) addObservation(ctx context.Context, r map[string]interface{}) {
	o, ok := CreateObservationFromHl7(r)
	if o.ConceptCode == "" {
		h.c.warn(CodeMissingObservationCode, "Observation has no code and was skipped", withField(stringField(r, "id")))
		return
	}
	if !ok {
		h.c.warn(CodeMissingObservationValue, fmt.Sprintf("Observation %s has no value and was skipped", o.ConceptCode),
			withField(o.ConceptCode))
		return
	}
	if o.ValueType == concept.ValueTypeNumeric && !h.c.validateNumeric(ctx, o.ConceptCode, *o.NumericValue, "observation") {
		return
	}
	if cpt := h.c.lookup(ctx, o.ConceptCode); cpt != nil {
		if o.Category == "" {
			o.Category = cpt.Category
		}
		if o.Unit == "" {
			o.Unit = cpt.Unit
		}
	}
	if o.StartDate == "" {
		o.StartDate = h.docDate
	}
	o.PatientRef = h.patientFor(r)
	o.VisitRef = h.visitFor(r, o.PatientRef, o.StartDate)
	h.c.observe(o)
}

func (h *hl7Run) addMedication(r map[string]interface{}) {
	med := objectField(r, "medicationCodeableConcept")
	if med == nil {
		med = objectField(objectField(r, "medication"), "concept")
	}
	if med == nil {
		med = objectField(r, "medication")
	}
	p := &MedicationPayload{
		Code:    codeOf(med),
		Display: codeableText(med),
		Status:  stringField(r, "status"),
	}
	dosage := firstObject(r, "dosage", "dosageInstruction")
	if dosage == nil {
		dosage = objectField(r, "dosage")
	}
	if dosage != nil {
		p.Dosage = stringField(dosage, "text")
		p.Route = codeableText(objectField(dosage, "route"))
		p.Frequency = codeableText(objectField(objectField(dosage, "timing"), "code"))
	}

	code := p.Code
	if code == "" && p.Display != "" {
		code = "MED:" + slug(p.Display)
	}
	if code == "" {
		h.c.warn(CodeMissingObservationCode, "Medication has no code and was skipped", withField(stringField(r, "id")))
		return
	}
	date := resourceDate(r, "effectiveDateTime", "authoredOn", "dateAsserted")
	if date == "" {
		date = h.docDate
	}
	o := Observation{ConceptCode: code, StartDate: date, Category: "medication"}
	o.apply(Value{Type: concept.ValueTypeMedication, Medication: p})
	o.PatientRef = h.patientFor(r)
	o.VisitRef = h.visitFor(r, o.PatientRef, date)
	h.c.observe(o)
}

func (h *hl7Run) addQuestionnaire(r map[string]interface{}, fallback ItemTypeFallback) {
	p := &QuestionnairePayload{
		Title:         stringField(r, "title"),
		Questionnaire: stringField(r, "questionnaire"),
		Items:         []QuestionnaireItem{},
	}
	if p.Title == "" {
		p.Title = lastPathSegment(p.Questionnaire)
	}
	if p.Title == "" {
		p.Title = "Questionnaire"
	}
	var walk func(items []interface{})
	walk = func(items []interface{}) {
		for _, raw := range items {
			it, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			item := QuestionnaireItem{
				LinkID: stringField(it, "linkId"),
				Text:   stringField(it, "text"),
				Type:   stringField(it, "type"),
			}
			for _, a := range arrayField(it, "answer") {
				am, ok := a.(map[string]interface{})
				if !ok {
					continue
				}
				if s := answerText(am); s != "" {
					item.Answers = append(item.Answers, s)
				}
				walk(arrayField(am, "item"))
			}
			if item.Type == "" && fallback != nil {
				item.Type = fallback(item.Text)
			}
			if item.Text != "" || item.LinkID != "" {
				p.Items = append(p.Items, item)
			}
			walk(arrayField(it, "item"))
		}
	}
	walk(arrayField(r, "item"))

	date := resourceDate(r, "authored", "effectiveDateTime")
	if date == "" {
		date = h.docDate
	}
	o := Observation{ConceptCode: "SURVEY:" + slug(p.Title), StartDate: date, Category: "survey"}
	o.apply(Value{Type: concept.ValueTypeQuestionnaire, Questionnaire: p})
	o.PatientRef = h.patientFor(r)
	o.VisitRef = h.visitFor(r, o.PatientRef, date)
	h.c.observe(o)
}

// CreateObservationFromHl7 maps an HL7 Observation resource onto an
// Observation without patient or visit references. ok is false when the
// resource carries no decodable value.
func CreateObservationFromHl7(resource map[string]interface{}) (Observation, bool) {
	o := Observation{
		ConceptCode: codeOf(objectField(resource, "code")),
		StartDate:   resourceDate(resource, "effectiveDateTime", "issued"),
	}
	if o.StartDate == "" {
		d, _ := normalizeDate(stringField(objectField(resource, "effectivePeriod"), "start"))
		o.StartDate = d
	}
	if cat := firstObject(resource, "category"); cat != nil {
		o.Category = codeableText(cat)
	} else if cat := objectField(resource, "category"); cat != nil {
		o.Category = codeableText(cat)
	}
	v, ok := DecodeValue(resource)
	if !ok {
		return o, false
	}
	o.apply(v)
	return o, true
}

const (
	defaultDocumentType = "HL7 CDA"
	unknownParty        = "Unknown"
)

// ExtractHl7Metadata reads document metadata on a best-effort basis. A
// missing id is synthesised, a missing type reads "HL7 CDA" and a missing
// author or custodian reads "Unknown".
func ExtractHl7Metadata(doc map[string]interface{}) DocumentMetadata {
	m := DocumentMetadata{
		ID:            stringField(doc, "id"),
		Type:          documentType(doc),
		Title:         stringField(doc, "title"),
		Author:        partyName(doc["author"]),
		Custodian:     partyName(doc["custodian"]),
		EffectiveTime: firstString(doc, "effectiveTime", "date", "effectiveDateTime"),
	}
	if m.ID == "" {
		m.ID = identifierOf(doc["identifier"])
	}
	if m.ID == "" {
		m.ID = "hl7-" + uuid.New().String()
	}
	if m.Type == "" {
		m.Type = defaultDocumentType
	}
	if m.Author == "" {
		m.Author = unknownParty
	}
	if m.Custodian == "" {
		m.Custodian = unknownParty
	}
	return m
}

// documentType reads type, falling back to resourceType.
func documentType(doc map[string]interface{}) string {
	switch t := doc["type"].(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case map[string]interface{}:
		if s := codeableText(t); s != "" {
			return s
		}
	}
	return stringField(doc, "resourceType")
}

func checkSignatures(c *collector, raw interface{}) {
	var sigs []interface{}
	switch s := raw.(type) {
	case nil:
		return
	case []interface{}:
		sigs = s
	default:
		sigs = []interface{}{s}
	}
	for idx, s := range sigs {
		m, ok := s.(map[string]interface{})
		if !ok {
			continue
		}
		if t, has := m["type"]; !has || t == nil {
			c.warn(CodeMissingSignatureType, "Signature has no type", withField(fmt.Sprintf("signature[%d].type", idx)))
		}
	}
}

// collectResources gathers resources from entry[] and, recursively, from
// section[].entry[]. Bundle-style {resource: ...} wrappers are unwrapped.
func collectResources(doc map[string]interface{}) []map[string]interface{} {
	var out []map[string]interface{}
	addEntries := func(entries []interface{}) {
		for _, e := range entries {
			m, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if r := objectField(m, "resource"); r != nil {
				m = r
			}
			out = append(out, m)
		}
	}
	var walk func(sections []interface{})
	walk = func(sections []interface{}) {
		for _, s := range sections {
			sm, ok := s.(map[string]interface{})
			if !ok {
				continue
			}
			addEntries(arrayField(sm, "entry"))
			walk(arrayField(sm, "section"))
		}
	}
	addEntries(arrayField(doc, "entry"))
	walk(arrayField(doc, "section"))
	return out
}

// resourceKind returns resourceType, treating untyped entries with a code as
// observations.
func resourceKind(r map[string]interface{}) string {
	if t := stringField(r, "resourceType"); t != "" {
		return t
	}
	if objectField(r, "code") != nil {
		return "Observation"
	}
	return ""
}

// documentPatient returns the document-level patient, ignoring bare
// references.
func documentPatient(doc map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"subject", "patient", "recordTarget"} {
		p := objectField(doc, key)
		if p == nil {
			continue
		}
		for _, k := range []string{"identifier", "gender", "birthDate", "id"} {
			if _, ok := p[k]; ok {
				return p
			}
		}
	}
	return nil
}

// identifierOf reads an identifier given as a string, an object with a value
// or an array of such objects.
func identifierOf(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]interface{}:
		if s := stringField(v, "value"); s != "" {
			return s
		}
		return stringField(v, "extension")
	case []interface{}:
		for _, e := range v {
			if s := identifierOf(e); s != "" {
				return s
			}
		}
	}
	return ""
}

// referenceID extracts the id from {"reference": "Patient/123"}.
func referenceID(ref map[string]interface{}) string {
	s := stringField(ref, "reference")
	if s == "" {
		return stringField(ref, "id")
	}
	return lastPathSegment(s)
}

func lastPathSegment(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	if i := strings.LastIndexAny(s, "/#:"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func parseGender(s string) Sex {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "male", "m":
		return SexMale
	case "female", "f":
		return SexFemale
	}
	return SexUnknown
}

// encounterClass reads class as a Coding, a string or a list of
// CodeableConcepts.
func encounterClass(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case map[string]interface{}:
		return codeOf(v)
	case []interface{}:
		for _, e := range v {
			if m, ok := e.(map[string]interface{}); ok {
				if s := codeOf(m); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func encounterLocation(r map[string]interface{}) string {
	for _, l := range arrayField(r, "location") {
		if m, ok := l.(map[string]interface{}); ok {
			if s := stringField(objectField(m, "location"), "display"); s != "" {
				return s
			}
		}
	}
	return stringField(objectField(r, "serviceProvider"), "display")
}

// partyName renders an author or custodian.
func partyName(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case []interface{}:
		for _, e := range v {
			if s := partyName(e); s != "" {
				return s
			}
		}
	case map[string]interface{}:
		if s := stringField(v, "display"); s != "" {
			return s
		}
		switch n := v["name"].(type) {
		case string:
			return strings.TrimSpace(n)
		case map[string]interface{}:
			return humanName(n)
		case []interface{}:
			for _, e := range n {
				if m, ok := e.(map[string]interface{}); ok {
					if s := humanName(m); s != "" {
						return s
					}
				}
			}
		}
		return stringField(v, "reference")
	}
	return ""
}

func humanName(m map[string]interface{}) string {
	if s := stringField(m, "text"); s != "" {
		return s
	}
	var parts []string
	for _, g := range arrayField(m, "given") {
		if s, ok := g.(string); ok {
			parts = append(parts, s)
		}
	}
	if f := stringField(m, "family"); f != "" {
		parts = append(parts, f)
	}
	return strings.Join(parts, " ")
}

// answerText renders a QuestionnaireResponse answer.
func answerText(a map[string]interface{}) string {
	if v, ok := DecodeValue(a); ok {
		if v.Type == concept.ValueTypeNumeric {
			return formatNumber(v.Number)
		}
		return v.Text
	}
	if coding := objectField(a, "valueCoding"); coding != nil {
		if s := stringField(coding, "display"); s != "" {
			return s
		}
		return stringField(coding, "code")
	}
	return firstString(a, "valueInteger", "valueDecimal", "valueDate", "valueTime", "valueUri")
}

func resourceDate(r map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if d, ok := normalizeDate(stringField(r, k)); ok {
			return d
		}
	}
	return ""
}

func firstObject(m map[string]interface{}, keys ...string) map[string]interface{} {
	for _, k := range keys {
		for _, e := range arrayField(m, k) {
			if o, ok := e.(map[string]interface{}); ok {
				return o
			}
		}
	}
	return nil
}
