package concept

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemoryStore is an in-process concept and rule store. It backs the CLI when
// no database is configured and doubles as the test fixture for importers.
type MemoryStore struct {
	mu       sync.RWMutex
	concepts map[string]*Concept
	rules    map[string][]Rule
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		concepts: make(map[string]*Concept),
		rules:    make(map[string][]Rule),
	}
}

// Put registers or replaces a concept and its rules.
func (m *MemoryStore) Put(c Concept, rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.concepts[c.Code] = &cp
	if len(rules) > 0 {
		bound := make([]Rule, len(rules))
		for i, r := range rules {
			r.ConceptCode = c.Code
			bound[i] = r
		}
		m.rules[c.Code] = bound
	}
}

// AddRules appends rules to a code without requiring concept metadata.
func (m *MemoryStore) AddRules(code string, rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		r.ConceptCode = code
		m.rules[code] = append(m.rules[code], r)
	}
}

// Len reports the number of concepts held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.concepts)
}

// LoadFile seeds the store from a JSON array of entries.
func (m *MemoryStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read concepts file: %w", err)
	}
	return m.Load(data)
}

// Load seeds the store from JSON bytes holding an array of entries.
func (m *MemoryStore) Load(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode concepts: %w", err)
	}
	for i, e := range entries {
		if e.Code == "" {
			return fmt.Errorf("decode concepts: entry %d has no code", i)
		}
		m.Put(e.Concept, e.Rules...)
	}
	return nil
}

// Concepts exposes the store as a ConceptRepository.
func (m *MemoryStore) Concepts() ConceptRepository { return memoryConcepts{m} }

// Rules exposes the store as a RuleRepository.
func (m *MemoryStore) Rules() RuleRepository { return memoryRules{m} }

type memoryConcepts struct{ m *MemoryStore }

func (r memoryConcepts) FindByConceptCode(_ context.Context, code string) (*Concept, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.concepts[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

type memoryRules struct{ m *MemoryStore }

func (r memoryRules) FindByConceptCode(_ context.Context, code string) ([]Rule, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	rules := r.m.rules[code]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out, nil
}
