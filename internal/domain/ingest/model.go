// Package ingest turns clinical import files (CSV, generic JSON, JSON-encoded
// HL7/CDA documents and HTML survey exports) into patients, visits and
// observations wrapped in a single ImportStructure envelope.
//
// Nothing in this package returns an error or panics across its public
// entry points. Every failure is reported inside the envelope.
package ingest

import (
	"time"
)

// Format identifies a supported import syntax. The zero value means the
// format could not be determined.
type Format string

const (
	FormatNone Format = ""
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatHL7  Format = "hl7"
	FormatHTML Format = "html"
)

// Sex is the administrative sex of a patient.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexUnknown Sex = "U"
)

// AdmissionClass classifies a visit.
type AdmissionClass string

const (
	AdmissionInpatient  AdmissionClass = "Inpatient"
	AdmissionOutpatient AdmissionClass = "Outpatient"
	AdmissionEmergency  AdmissionClass = "Emergency"
)

// Severity grades an import issue.
type Severity string

const (
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Patient is a patient extracted from an import. LocalID is provisional and
// only unique within one import run.
type Patient struct {
	LocalID            string `json:"PATIENT_NUM"`
	ExternalIdentifier string `json:"PATIENT_CD"`
	Sex                Sex    `json:"SEX_CD"`
	BirthDate          string `json:"BIRTH_DATE,omitempty"`
}

// Visit is an encounter of a patient. Dates are YYYY-MM-DD.
type Visit struct {
	LocalID        string         `json:"ENCOUNTER_NUM"`
	PatientRef     string         `json:"PATIENT_NUM"`
	StartDate      string         `json:"START_DATE"`
	EndDate        string         `json:"END_DATE,omitempty"`
	Location       string         `json:"LOCATION_CD,omitempty"`
	AdmissionClass AdmissionClass `json:"INOUT_CD"`
}

// Observation is one observation fact. Exactly one of NumericValue,
// TextValue and Blob is set, chosen by ValueType.
type Observation struct {
	PatientRef   string   `json:"PATIENT_NUM"`
	VisitRef     string   `json:"ENCOUNTER_NUM"`
	ConceptCode  string   `json:"CONCEPT_CD"`
	ValueType    string   `json:"VALTYPE_CD"`
	NumericValue *float64 `json:"NVAL_NUM,omitempty"`
	TextValue    *string  `json:"TVAL_CHAR,omitempty"`
	Blob         *string  `json:"OBSERVATION_BLOB,omitempty"`
	Unit         string   `json:"UNIT_CD,omitempty"`
	StartDate    string   `json:"START_DATE"`
	Category     string   `json:"CATEGORY_CHAR,omitempty"`
	ProviderID   string   `json:"PROVIDER_ID"`
	SourceSystem string   `json:"SOURCESYSTEM_CD"`

	// Summary is a human-readable rendering of a blob value.
	Summary string `json:"SUMMARY,omitempty"`

	Medication    *MedicationPayload    `json:"-"`
	Questionnaire *QuestionnairePayload `json:"-"`
}

// ImportError is a fatal import finding.
type ImportError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Details   string    `json:"details,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ImportWarning is a non-fatal import finding.
type ImportWarning struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Details   string    `json:"details,omitempty"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// ImportData holds the entities of a successful import.
type ImportData struct {
	Patients     []Patient     `json:"patients"`
	Visits       []Visit       `json:"visits"`
	Observations []Observation `json:"observations"`
}

// DocumentMetadata describes an HL7 document. Fields that the document does
// not carry are filled with placeholders.
type DocumentMetadata struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Title         string `json:"title,omitempty"`
	Author        string `json:"author"`
	Custodian     string `json:"custodian"`
	EffectiveTime string `json:"effectiveTime,omitempty"`
}

// ImportMetadata describes an import run.
type ImportMetadata struct {
	ImportID         string            `json:"importId"`
	Filename         string            `json:"filename,omitempty"`
	Format           Format            `json:"format,omitempty"`
	FileSize         int64             `json:"fileSize"`
	ImportedAt       time.Time         `json:"importedAt"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
	RecordCount      int               `json:"recordCount"`
	PatientCount     int               `json:"patientCount"`
	VisitCount       int               `json:"visitCount"`
	ObservationCount int               `json:"observationCount"`
	Document         *DocumentMetadata `json:"document,omitempty"`
}

// ImportStructure is the envelope returned by every import. Success is true
// exactly when Errors is empty; Data is nil when Success is false.
type ImportStructure struct {
	Success  bool            `json:"success"`
	Data     *ImportData     `json:"data"`
	Errors   []ImportError   `json:"errors"`
	Warnings []ImportWarning `json:"warnings"`
	Metadata ImportMetadata  `json:"metadata"`
}

// finalize enforces the envelope invariants and recomputes entity counts.
func (s *ImportStructure) finalize() {
	if s.Errors == nil {
		s.Errors = []ImportError{}
	}
	if s.Warnings == nil {
		s.Warnings = []ImportWarning{}
	}
	s.Success = len(s.Errors) == 0
	if !s.Success {
		s.Data = nil
	}
	s.Metadata.PatientCount, s.Metadata.VisitCount, s.Metadata.ObservationCount = 0, 0, 0
	if s.Data != nil {
		s.Metadata.PatientCount = len(s.Data.Patients)
		s.Metadata.VisitCount = len(s.Data.Visits)
		s.Metadata.ObservationCount = len(s.Data.Observations)
	}
}

// HasError reports whether an error with the given code was recorded.
func (s *ImportStructure) HasError(code string) bool {
	for _, e := range s.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether a warning with the given code was recorded.
func (s *ImportStructure) HasWarning(code string) bool {
	for _, w := range s.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

// ImportContext is caller-supplied provenance stamped onto observations.
type ImportContext struct {
	ProviderID   string `json:"providerId,omitempty"`
	SourceSystem string `json:"sourceSystem,omitempty"`
	Location     string `json:"location,omitempty"`
}

// Options control a single import. Limit > 0 caps the number of source
// records processed. MaxSize > 0 overrides the dispatcher's size limit.
type Options struct {
	Limit   int           `json:"limit,omitempty"`
	Context ImportContext `json:"context"`
	MaxSize int64         `json:"maxSize,omitempty"`
}

// Run identifies one import invocation. The dispatcher fills it; importers
// called directly may pass the zero value.
type Run struct {
	ImportID  string
	Filename  string
	FileSize  int64
	StartedAt time.Time
}

// Analysis is the pre-flight result of AnalyzeFile.
type Analysis struct {
	Valid                     bool          `json:"valid"`
	Format                    Format        `json:"format,omitempty"`
	FileSize                  int64         `json:"fileSize"`
	EstimatedProcessingTimeMs int64         `json:"estimatedProcessingTimeMs"`
	Errors                    []ImportError `json:"errors"`
}

// Import issue codes.
const (
	CodeInvalidContent          = "INVALID_CONTENT"
	CodeInvalidFilename         = "INVALID_FILENAME"
	CodeFileTooLarge            = "FILE_TOO_LARGE"
	CodeUnsupportedFormat       = "UNSUPPORTED_FORMAT"
	CodeNoServiceAvailable      = "NO_SERVICE_AVAILABLE"
	CodeImportFailed            = "IMPORT_FAILED"
	CodeImportLimitReached      = "IMPORT_LIMIT_REACHED"
	CodeValueValidationFailed   = "VALUE_VALIDATION_FAILED"
	CodeInvalidValue            = "INVALID_VALUE"
	CodeUnknownConcept          = "UNKNOWN_CONCEPT"
	CodeConceptLookupFailed     = "CONCEPT_LOOKUP_FAILED"
	CodeMissingPatientColumn    = "MISSING_PATIENT_COLUMN"
	CodeEmptyFile               = "EMPTY_FILE"
	CodeUnmappedColumn          = "UNMAPPED_COLUMN"
	CodeCSVRowSkipped           = "CSV_ROW_SKIPPED"
	CodeCSVParseFailed          = "CSV_PARSE_FAILED"
	CodeInvalidEncoding         = "INVALID_ENCODING"
	CodeInvalidJSON             = "INVALID_JSON"
	CodeInvalidJSONStructure    = "INVALID_JSON_STRUCTURE"
	CodeMissingRequiredKeys     = "MISSING_REQUIRED_KEYS"
	CodeMissingRequiredField    = "MISSING_REQUIRED_FIELD"
	CodeUnknownPatientReference = "UNKNOWN_PATIENT_REFERENCE"
	CodeJSONParseFailed         = "JSON_PARSE_FAILED"
	CodeUnsupportedHL7Format    = "UNSUPPORTED_HL7_FORMAT"
	CodeMissingDocument         = "MISSING_DOCUMENT"
	CodeMissingDocumentType     = "MISSING_DOCUMENT_TYPE"
	CodeInvalidCDA              = "INVALID_CDA"
	CodeMissingClinicalContent  = "MISSING_CLINICAL_CONTENT"
	CodeMissingSignatureType    = "MISSING_SIGNATURE_TYPE"
	CodeMissingPatient          = "MISSING_PATIENT"
	CodeMissingEncounter        = "MISSING_ENCOUNTER"
	CodeMissingObservationCode  = "MISSING_OBSERVATION_CODE"
	CodeMissingObservationValue = "MISSING_OBSERVATION_VALUE"
	CodeHL7ParseFailed          = "HL7_PARSE_FAILED"
	CodeInvalidHTML             = "INVALID_HTML"
	CodeNoSurveyForms           = "NO_SURVEY_FORMS"
	CodeEmptySurvey             = "EMPTY_SURVEY"
	CodeSurveyParseFailed       = "SURVEY_PARSE_FAILED"
)
