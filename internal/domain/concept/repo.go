package concept

import "context"

// ConceptRepository resolves concept metadata. FindByConceptCode returns
// (nil, nil) when the code is unknown.
type ConceptRepository interface {
	FindByConceptCode(ctx context.Context, code string) (*Concept, error)
}

// RuleRepository returns the rules attached to a concept code. An unknown
// code yields an empty slice, not an error.
type RuleRepository interface {
	FindByConceptCode(ctx context.Context, code string) ([]Rule, error)
}
