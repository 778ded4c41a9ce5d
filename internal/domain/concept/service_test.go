package concept

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicalimport/internal/platform/cache"
)

func newTestStore() *MemoryStore {
	m := NewMemoryStore()
	m.Put(Concept{Code: "LOINC:8867-4", Name: "Heart rate", ValueType: ValueTypeNumeric, Category: "vital-signs", Unit: "/min"},
		Rule{ID: "r1", Name: "plausible heart rate", Definition: json.RawMessage(`{"type":"range","params":{"min":20,"max":300}}`)})
	m.Put(Concept{Code: "LOINC:72166-2", Name: "Tobacco smoking status", ValueType: ValueTypeText})
	return m
}

// =========== MemoryStore Tests ===========

func TestMemoryStore_FindConcept(t *testing.T) {
	m := newTestStore()
	c, err := m.Concepts().FindByConceptCode(context.Background(), "LOINC:8867-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c == nil || c.ValueType != ValueTypeNumeric {
		t.Fatalf("expected numeric concept, got %+v", c)
	}
}

func TestMemoryStore_UnknownConceptIsNil(t *testing.T) {
	m := newTestStore()
	c, err := m.Concepts().FindByConceptCode(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil concept, got %+v", c)
	}
}

func TestMemoryStore_RulesBoundToConcept(t *testing.T) {
	m := newTestStore()
	rules, err := m.Rules().FindByConceptCode(context.Background(), "LOINC:8867-4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].ConceptCode != "LOINC:8867-4" {
		t.Errorf("expected rule bound to concept, got %q", rules[0].ConceptCode)
	}
}

func TestMemoryStore_Load(t *testing.T) {
	m := NewMemoryStore()
	data := []byte(`[
		{"code":"A","name":"alpha","value_type":"N","rules":[{"id":"x","name":"enum","definition":{"type":"enum","params":{"values":[1,2]}}}]},
		{"code":"B","name":"beta","value_type":"T"}
	]`)
	if err := m.Load(data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Len() != 2 {
		t.Errorf("expected 2 concepts, got %d", m.Len())
	}
	rules, _ := m.Rules().FindByConceptCode(context.Background(), "A")
	if len(rules) != 1 || rules[0].ID != "x" {
		t.Errorf("expected rule x, got %+v", rules)
	}
}

func TestMemoryStore_LoadRejectsMissingCode(t *testing.T) {
	m := NewMemoryStore()
	if err := m.Load([]byte(`[{"name":"no code"}]`)); err == nil {
		t.Error("expected error for entry without code")
	}
}

// =========== Lookup Tests ===========

func TestLookup_Entry(t *testing.T) {
	m := newTestStore()
	l := NewLookup(m.Concepts(), m.Rules())

	entry, ok, err := l.Entry(context.Background(), "LOINC:8867-4")
	if err != nil || !ok {
		t.Fatalf("expected entry, got ok=%v err=%v", ok, err)
	}
	if entry.Name != "Heart rate" || len(entry.Rules) != 1 {
		t.Errorf("unexpected entry %+v", entry)
	}

	_, ok, err = l.Entry(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("expected not found, got ok=%v err=%v", ok, err)
	}
}

func TestLookup_RulesOnlyEntry(t *testing.T) {
	m := NewMemoryStore()
	m.AddRules("X", Rule{ID: "1", Definition: json.RawMessage(`{}`)})
	l := NewLookup(m.Concepts(), m.Rules())

	entry, ok, err := l.Entry(context.Background(), "X")
	if err != nil || !ok {
		t.Fatalf("expected entry, got ok=%v err=%v", ok, err)
	}
	if entry.Code != "X" {
		t.Errorf("expected code X, got %q", entry.Code)
	}
}

func TestLookup_EmptyCode(t *testing.T) {
	l := NewLookup(nil, nil)
	if _, err := l.Concept(context.Background(), "  "); err == nil {
		t.Error("expected error for empty code")
	}
}

// =========== CachedRepository Tests ===========

type countingConcepts struct {
	calls int
	err   error
}

func (c *countingConcepts) FindByConceptCode(_ context.Context, code string) (*Concept, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Concept{Code: code, ValueType: ValueTypeText}, nil
}

type countingRules struct{ calls int }

func (c *countingRules) FindByConceptCode(_ context.Context, _ string) ([]Rule, error) {
	c.calls++
	return nil, nil
}

func TestCachedRepository_DisabledCachePassesThrough(t *testing.T) {
	concepts := &countingConcepts{}
	rules := &countingRules{}
	r := NewCachedRepository(concepts, rules, cache.Disabled(), time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		if _, err := r.Concepts().FindByConceptCode(context.Background(), "A"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if concepts.calls != 3 {
		t.Errorf("expected 3 underlying calls, got %d", concepts.calls)
	}

	got, err := r.Rules().FindByConceptCode(context.Background(), "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil rules, got %#v", got)
	}
}

func TestCachedRepository_PropagatesErrors(t *testing.T) {
	concepts := &countingConcepts{err: fmt.Errorf("db down")}
	r := NewCachedRepository(concepts, &countingRules{}, nil, time.Minute, zerolog.Nop())
	if _, err := r.Concepts().FindByConceptCode(context.Background(), "A"); err == nil {
		t.Error("expected error to propagate")
	}
}

// =========== Handler Tests ===========

func TestHandler_GetConcept(t *testing.T) {
	m := newTestStore()
	h := NewHandler(NewLookup(m.Concepts(), m.Rules()))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/concepts/LOINC:8867-4", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("LOINC:8867-4")

	if err := h.GetConcept(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var entry Entry
	json.Unmarshal(rec.Body.Bytes(), &entry)
	if entry.Code != "LOINC:8867-4" {
		t.Errorf("expected code LOINC:8867-4, got %q", entry.Code)
	}
}

func TestHandler_GetConcept_NotFound(t *testing.T) {
	m := newTestStore()
	h := NewHandler(NewLookup(m.Concepts(), m.Rules()))
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/concepts/unknown", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("code")
	c.SetParamValues("unknown")

	err := h.GetConcept(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404 HTTPError, got %v", err)
	}
}
