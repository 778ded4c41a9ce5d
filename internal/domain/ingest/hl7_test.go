package ingest

import (
	"context"
	"strings"
	"testing"
)

func importHL7(t *testing.T, content string, opts Options) *ImportStructure {
	t.Helper()
	return NewHL7Importer(newTestServices()).Import(context.Background(), content, opts, Run{})
}

const dischargeDocument = `{
	"resourceType": "Composition",
	"id": "doc-1",
	"title": "Discharge summary",
	"date": "2024-03-10T10:00:00Z",
	"author": [{"display": "Dr. Weber"}],
	"custodian": {"display": "Klinikum Nord"},
	"signature": [{"type": [{"code": "1.2.840.10065.1.12.1.1"}]}, {"who": {"reference": "Practitioner/1"}}],
	"section": [{
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1", "identifier": [{"value": "MRN-1"}], "gender": "female", "birthDate": "1970-04-02"}},
			{"resource": {"resourceType": "Encounter", "id": "e1", "subject": {"reference": "Patient/p1"}, "class": {"code": "IMP"},
				"period": {"start": "2024-03-01", "end": "2024-03-10"}, "location": [{"location": {"display": "Ward 4"}}]}},
			{"resource": {"resourceType": "Observation", "code": {"coding": [{"code": "GLU"}]}, "subject": {"reference": "Patient/p1"},
				"encounter": {"reference": "Encounter/e1"}, "effectiveDateTime": "2024-03-02T08:00:00Z", "valueQuantity": {"value": 6.2, "unit": "mmol/L"}}},
			{"resource": {"resourceType": "Observation", "code": {"coding": [{"code": "SMOKER"}]}, "valueBoolean": false}}
		],
		"section": [{
			"entry": [{"resource": {"resourceType": "MedicationStatement", "status": "active",
				"medicationCodeableConcept": {"coding": [{"code": "A10BA02", "display": "Metformin"}]},
				"dosage": [{"text": "500 mg twice daily", "route": {"text": "oral"}}]}}]
		}]
	}]
}`

func TestHL7Import_Document(t *testing.T) {
	res := importHL7(t, dischargeDocument, Options{})
	assertSucceeded(t, res)

	d := res.Data
	if len(d.Patients) != 1 || len(d.Visits) != 1 || len(d.Observations) != 3 {
		t.Fatalf("expected 1/1/3 entities, got %d/%d/%d", len(d.Patients), len(d.Visits), len(d.Observations))
	}
	p := d.Patients[0]
	if p.ExternalIdentifier != "MRN-1" || p.Sex != SexFemale || p.BirthDate != "1970-04-02" {
		t.Errorf("unexpected patient %+v", p)
	}
	v := d.Visits[0]
	if v.AdmissionClass != AdmissionInpatient || v.StartDate != "2024-03-01" || v.EndDate != "2024-03-10" || v.Location != "Ward 4" {
		t.Errorf("unexpected visit %+v", v)
	}

	glu := d.Observations[0]
	if glu.ValueType != "N" || *glu.NumericValue != 6.2 || glu.Unit != "mmol/L" || glu.StartDate != "2024-03-02" {
		t.Errorf("unexpected glucose observation %+v", glu)
	}
	smoker := d.Observations[1]
	if smoker.ValueType != "T" || *smoker.TextValue != "No" || smoker.StartDate != "2024-03-10" {
		t.Errorf("expected No on the document date, got %+v", smoker)
	}
	if smoker.VisitRef != v.LocalID || smoker.PatientRef != p.LocalID {
		t.Error("expected unreferenced observation linked to the document patient and encounter")
	}
	med := d.Observations[2]
	if med.ValueType != "M" || med.ConceptCode != "A10BA02" || med.Summary != "Metformin" {
		t.Errorf("unexpected medication %+v", med)
	}
	if med.Medication.Dosage != "500 mg twice daily" || med.Medication.Route != "oral" || med.Medication.Status != "active" {
		t.Errorf("unexpected medication payload %+v", med.Medication)
	}
	if !strings.Contains(*med.Blob, `"display":"Metformin"`) {
		t.Errorf("expected payload in blob, got %s", *med.Blob)
	}

	if len(res.Warnings) != 1 || res.Warnings[0].Code != CodeMissingSignatureType {
		t.Errorf("expected only MISSING_SIGNATURE_TYPE, got %v", warningCodes(res))
	}
	doc := res.Metadata.Document
	if doc == nil {
		t.Fatal("expected document metadata")
	}
	if doc.ID != "doc-1" || doc.Type != "Composition" || doc.Author != "Dr. Weber" || doc.Custodian != "Klinikum Nord" {
		t.Errorf("unexpected document metadata %+v", doc)
	}
}

func TestHL7Import_EmptySectionsRoundTrip(t *testing.T) {
	res := importHL7(t, `{"resourceType":"Composition","section":[]}`, Options{})
	assertSucceeded(t, res)
	if res.Metadata.PatientCount+res.Metadata.VisitCount+res.Metadata.ObservationCount != 0 {
		t.Errorf("expected no entities, got %+v", res.Metadata)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Code != CodeMissingClinicalContent {
		t.Errorf("expected exactly MISSING_CLINICAL_CONTENT, got %v", warningCodes(res))
	}
}

func TestHL7Import_XMLRejected(t *testing.T) {
	inputs := []string{
		"<ClinicalDocument/>",
		`<?xml version="1.0"?><ClinicalDocument xmlns="urn:hl7-org:v3"/>`,
		"\ufeff  <ClinicalDocument/>",
	}
	for _, in := range inputs {
		res := importHL7(t, in, Options{})
		assertFailed(t, res, CodeUnsupportedHL7Format)
		if res.Errors[0].Message != "XML HL7 format not yet supported" {
			t.Errorf("unexpected message %q", res.Errors[0].Message)
		}
	}
}

func TestHL7Import_XMLThroughDispatcher(t *testing.T) {
	d := newTestDispatcher()
	for _, name := range []string{"doc.xml", "doc.hl7", "doc.cda", "upload"} {
		res := d.ImportFile(context.Background(), `<?xml version="1.0"?><ClinicalDocument/>`, name, Options{})
		assertFailed(t, res, CodeUnsupportedHL7Format)
	}
}

func TestHL7Import_StructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		code    string
	}{
		{"not json", `{"type": `, CodeInvalidJSON},
		{"null", `null`, CodeMissingDocument},
		{"array", `[1, 2]`, CodeInvalidCDA},
		{"null cda", `{"cda": null}`, CodeMissingDocument},
		{"cda not object", `{"cda": "x"}`, CodeInvalidCDA},
		{"cda without sections", `{"cda": {"type": "CCD"}}`, CodeInvalidCDA},
		{"no type", `{"section": []}`, CodeMissingDocumentType},
		{"trailing data", `{"type": "CCD"}}`, CodeInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertFailed(t, importHL7(t, tt.content, Options{}), tt.code)
		})
	}
}

func TestHL7Import_WrappedCDA(t *testing.T) {
	content := `{"type": "CCD", "cda": {"id": "c-1", "section": [{"entry": [
		{"resourceType": "Observation", "code": {"coding": [{"code": "GLU"}]}, "valueQuantity": {"value": 4}}
	]}]}}`
	res := importHL7(t, content, Options{})
	assertSucceeded(t, res)
	if res.Metadata.Document.Type != "CCD" || res.Metadata.Document.ID != "c-1" {
		t.Errorf("unexpected document metadata %+v", res.Metadata.Document)
	}
	if res.Metadata.ObservationCount != 1 {
		t.Errorf("expected 1 observation, got %d", res.Metadata.ObservationCount)
	}
}

func TestHL7Import_PlaceholderPatientAndEncounter(t *testing.T) {
	content := `{"type": "CCD", "id": "d9", "entry": [
		{"code": {"coding": [{"code": "GLU"}]}, "valueQuantity": {"value": 5}},
		{"code": {"coding": [{"code": "SMOKER"}]}, "valueString": "never"}
	]}`
	res := importHL7(t, content, Options{})
	assertSucceeded(t, res)

	d := res.Data
	if len(d.Patients) != 1 || d.Patients[0].ExternalIdentifier != "d9-patient" {
		t.Fatalf("expected placeholder patient, got %+v", d.Patients)
	}
	if len(d.Visits) != 1 || d.Visits[0].AdmissionClass != AdmissionOutpatient || d.Visits[0].StartDate != "2024-06-15" {
		t.Errorf("expected synthesised outpatient visit, got %+v", d.Visits)
	}
	if !res.HasWarning(CodeMissingPatient) || !res.HasWarning(CodeMissingEncounter) {
		t.Errorf("expected MISSING_PATIENT and MISSING_ENCOUNTER, got %v", warningCodes(res))
	}
	if len(res.Warnings) != 2 {
		t.Errorf("expected each warning once, got %v", warningCodes(res))
	}
}

func TestHL7Import_ObservationWarnings(t *testing.T) {
	content := `{"type": "CCD", "entry": [
		{"resourceType": "Patient", "id": "p1"},
		{"resourceType": "Observation", "valueString": "orphan"},
		{"resourceType": "Observation", "code": {"coding": [{"code": "X1"}]}},
		{"resourceType": "Observation", "code": {"coding": [{"code": "GLU"}]}, "valueQuantity": {"value": 80}}
	]}`
	res := importHL7(t, content, Options{})
	assertSucceeded(t, res)
	for _, code := range []string{CodeMissingObservationCode, CodeMissingObservationValue, CodeValueValidationFailed} {
		if !res.HasWarning(code) {
			t.Errorf("expected warning %s, got %v", code, warningCodes(res))
		}
	}
	if len(res.Data.Observations) != 0 {
		t.Errorf("expected no observations, got %d", len(res.Data.Observations))
	}
}

func TestHL7Import_Questionnaire(t *testing.T) {
	content := `{"type": "CCD", "date": "2024-03-05", "entry": [
		{"resourceType": "Patient", "id": "p1", "gender": "male"},
		{"resourceType": "QuestionnaireResponse", "questionnaire": "http://example.org/Questionnaire/phq-2", "authored": "2024-03-04", "item": [
			{"linkId": "1", "text": "Anzahl der Schlafstunden", "answer": [{"valueInteger": 7}]},
			{"linkId": "2", "text": "Fühlen Sie sich müde?", "answer": [{"valueCoding": {"display": "Ja"}}]},
			{"linkId": "3", "text": "Bemerkungen", "type": "string"}
		]}
	]}`

	res := importHL7(t, content, Options{})
	assertSucceeded(t, res)
	o := res.Data.Observations[0]
	if o.ValueType != "Q" || o.ConceptCode != "SURVEY:PHQ_2" || o.Category != "survey" || o.StartDate != "2024-03-04" {
		t.Errorf("unexpected questionnaire observation %+v", o)
	}
	if o.Summary != "phq-2: 2/3 answered" {
		t.Errorf("unexpected summary %q", o.Summary)
	}
	items := o.Questionnaire.Items
	if items[0].Type != "number" || items[0].Answers[0] != "7" {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if items[1].Type != "text" || items[1].Answers[0] != "Ja" {
		t.Errorf("unexpected second item %+v", items[1])
	}
	if items[2].Type != "string" {
		t.Errorf("expected explicit type kept, got %q", items[2].Type)
	}

	imp := NewHL7Importer(newTestServices()).WithItemTypeFallback(nil)
	res = imp.Import(context.Background(), content, Options{}, Run{})
	assertSucceeded(t, res)
	if got := res.Data.Observations[0].Questionnaire.Items[0].Type; got != "" {
		t.Errorf("expected no type without a fallback, got %q", got)
	}
}

func TestHL7Import_Limit(t *testing.T) {
	content := `{"type": "CCD", "entry": [
		{"code": {"coding": [{"code": "GLU"}]}, "valueQuantity": {"value": 1}},
		{"code": {"coding": [{"code": "GLU"}]}, "valueQuantity": {"value": 2}}
	]}`
	res := importHL7(t, content, Options{Limit: 1})
	assertSucceeded(t, res)
	if res.Metadata.ObservationCount != 1 || !res.HasWarning(CodeImportLimitReached) {
		t.Errorf("expected 1 observation and IMPORT_LIMIT_REACHED, got %d %v", res.Metadata.ObservationCount, warningCodes(res))
	}
}

func TestCreateObservationFromHl7(t *testing.T) {
	o, ok := CreateObservationFromHl7(map[string]interface{}{
		"code":            map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "8480-6"}}},
		"valueQuantity":   map[string]interface{}{"value": 120.0, "unit": "mmHg"},
		"category":        []interface{}{map[string]interface{}{"text": "vital-signs"}},
		"effectivePeriod": map[string]interface{}{"start": "2024-01-02T10:00:00Z"},
	})
	if !ok {
		t.Fatal("expected a value")
	}
	if o.ValueType != "N" || *o.NumericValue != 120 || o.Unit != "mmHg" {
		t.Errorf("expected N/120 mmHg, got %+v", o)
	}
	if o.ConceptCode != "8480-6" || o.Category != "vital-signs" || o.StartDate != "2024-01-02" {
		t.Errorf("unexpected observation %+v", o)
	}

	o, ok = CreateObservationFromHl7(map[string]interface{}{"valueBoolean": true})
	if !ok || o.ValueType != "T" || *o.TextValue != "Yes" {
		t.Errorf("expected T/Yes, got %+v", o)
	}

	o, ok = CreateObservationFromHl7(map[string]interface{}{"code": map[string]interface{}{"code": "X"}})
	if ok {
		t.Error("expected no value")
	}
	if o.ConceptCode != "X" {
		t.Errorf("expected code even without value, got %q", o.ConceptCode)
	}
}

func TestExtractHl7Metadata(t *testing.T) {
	m := ExtractHl7Metadata(map[string]interface{}{})
	if !strings.HasPrefix(m.ID, "hl7-") {
		t.Errorf("expected synthesised id, got %q", m.ID)
	}
	if m.Type != "HL7 CDA" || m.Author != "Unknown" || m.Custodian != "Unknown" {
		t.Errorf("expected defaults, got %+v", m)
	}

	m = ExtractHl7Metadata(map[string]interface{}{
		"identifier": map[string]interface{}{"value": "urn:1"},
		"type":       map[string]interface{}{"coding": []interface{}{map[string]interface{}{"display": "Discharge note"}}},
		"author":     map[string]interface{}{"name": []interface{}{map[string]interface{}{"given": []interface{}{"Anna"}, "family": "Schmidt"}}},
		"custodian":  "Klinikum Süd",
	})
	if m.ID != "urn:1" || m.Type != "Discharge note" || m.Author != "Anna Schmidt" || m.Custodian != "Klinikum Süd" {
		t.Errorf("unexpected metadata %+v", m)
	}
}

func TestKeywordItemTypeFallback(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"Wie oft pro Woche?", "number"},
		{"Alter in Jahren", "number"},
		{"Bitte alle zutreffenden ankreuzen", "checkbox"},
		{"Rauchen Sie? (Ja/Nein)", "radio"},
		{"Sonstiges", "text"},
	}
	for _, tt := range tests {
		if got := KeywordItemTypeFallback(tt.label); got != tt.want {
			t.Errorf("KeywordItemTypeFallback(%q): expected %s, got %s", tt.label, tt.want, got)
		}
	}
}
