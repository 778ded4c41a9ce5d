package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MedicationPayload is the structured value of a medication (M) observation.
type MedicationPayload struct {
	Code      string `json:"code,omitempty"`
	Display   string `json:"display,omitempty"`
	Dosage    string `json:"dosage,omitempty"`
	Route     string `json:"route,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Label returns the most readable name of the medication.
func (m MedicationPayload) Label() string {
	if m.Display != "" {
		return m.Display
	}
	return m.Code
}

// QuestionnaireItem is one question and its answers.
type QuestionnaireItem struct {
	LinkID  string   `json:"linkId,omitempty"`
	Text    string   `json:"text"`
	Type    string   `json:"type,omitempty"`
	Answers []string `json:"answers,omitempty"`
}

// QuestionnairePayload is the structured value of a questionnaire (Q)
// observation.
type QuestionnairePayload struct {
	Title         string              `json:"title"`
	Questionnaire string              `json:"questionnaire,omitempty"`
	Items         []QuestionnaireItem `json:"items"`
}

// Answered counts the items with at least one answer.
func (q QuestionnairePayload) Answered() int {
	n := 0
	for _, it := range q.Items {
		if len(it.Answers) > 0 {
			n++
		}
	}
	return n
}

// Summary renders "<title>: <answered>/<total> answered".
func (q QuestionnairePayload) Summary() string {
	return fmt.Sprintf("%s: %d/%d answered", q.Title, q.Answered(), len(q.Items))
}

// parseMedication decodes a medication value. JSON objects map onto the
// payload fields; any other text is taken as the display name.
func parseMedication(raw interface{}) (*MedicationPayload, error) {
	switch v := raw.(type) {
	case map[string]interface{}:
		return decodeInto[MedicationPayload](v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, fmt.Errorf("empty medication value")
		}
		if strings.HasPrefix(s, "{") {
			var m MedicationPayload
			if err := json.Unmarshal([]byte(s), &m); err != nil {
				return nil, fmt.Errorf("invalid medication JSON: %w", err)
			}
			return &m, nil
		}
		return &MedicationPayload{Display: s}, nil
	}
	return nil, fmt.Errorf("unsupported medication value %T", raw)
}

// parseQuestionnaire decodes a questionnaire value from a JSON object or a
// string holding one.
func parseQuestionnaire(raw interface{}) (*QuestionnairePayload, error) {
	var q *QuestionnairePayload
	var err error
	switch v := raw.(type) {
	case map[string]interface{}:
		q, err = decodeInto[QuestionnairePayload](v)
	case string:
		q = &QuestionnairePayload{}
		if e := json.Unmarshal([]byte(strings.TrimSpace(v)), q); e != nil {
			err = fmt.Errorf("invalid questionnaire JSON: %w", e)
		}
	default:
		err = fmt.Errorf("unsupported questionnaire value %T", raw)
	}
	if err != nil {
		return nil, err
	}
	if q.Items == nil {
		q.Items = []QuestionnaireItem{}
	}
	return q, nil
}

func decodeInto[T any](m map[string]interface{}) (*T, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
