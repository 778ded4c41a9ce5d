package concept

import (
	"context"
	"fmt"
	"strings"
)

// Lookup is the read-only Concept/Rule Lookup used by importers and the
// validator.
type Lookup struct {
	concepts ConceptRepository
	rules    RuleRepository
}

// NewLookup creates a lookup over the given repositories.
func NewLookup(concepts ConceptRepository, rules RuleRepository) *Lookup {
	return &Lookup{concepts: concepts, rules: rules}
}

// Concept resolves metadata for a code. Unknown codes return (nil, nil).
func (l *Lookup) Concept(ctx context.Context, code string) (*Concept, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if l == nil || l.concepts == nil {
		return nil, nil
	}
	return l.concepts.FindByConceptCode(ctx, code)
}

// Rules returns the rules bound to a code.
func (l *Lookup) Rules(ctx context.Context, code string) ([]Rule, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if l == nil || l.rules == nil {
		return nil, nil
	}
	return l.rules.FindByConceptCode(ctx, code)
}

// Entry resolves a concept together with its rules. ok is false when the
// code has neither metadata nor rules.
func (l *Lookup) Entry(ctx context.Context, code string) (entry *Entry, ok bool, err error) {
	c, err := l.Concept(ctx, code)
	if err != nil {
		return nil, false, err
	}
	rules, err := l.Rules(ctx, code)
	if err != nil {
		return nil, false, err
	}
	if c == nil && len(rules) == 0 {
		return nil, false, nil
	}
	entry = &Entry{Rules: rules}
	if c != nil {
		entry.Concept = *c
	} else {
		entry.Code = code
	}
	return entry, true, nil
}
