package concept

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// =========== Concept Repository ===========

type conceptRepoPG struct{ db queryable }

func NewConceptRepoPG(pool *pgxpool.Pool) ConceptRepository { return &conceptRepoPG{db: pool} }

func (r *conceptRepoPG) FindByConceptCode(ctx context.Context, code string) (*Concept, error) {
	var c Concept
	err := r.db.QueryRow(ctx,
		`SELECT concept_cd, COALESCE(name_char,''), COALESCE(valtype_cd,'T'),
		        COALESCE(category_char,''), COALESCE(sourcesystem_cd,''), COALESCE(unit_cd,'')
		 FROM concept_dimension WHERE concept_cd = $1`, code).
		Scan(&c.Code, &c.Name, &c.ValueType, &c.Category, &c.SourceSystem, &c.Unit)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("concept get: %w", err)
	}
	return &c, nil
}

// =========== Rule Repository ===========

type ruleRepoPG struct{ db queryable }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{db: pool} }

func (r *ruleRepoPG) FindByConceptCode(ctx context.Context, code string) ([]Rule, error) {
	rows, err := r.db.Query(ctx,
		`SELECT rule_id, COALESCE(name,''), concept_cd, definition
		 FROM cql_rules WHERE concept_cd = $1 ORDER BY rule_id`, code)
	if err != nil {
		return nil, fmt.Errorf("rule list: %w", err)
	}
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var rule Rule
		var def []byte
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.ConceptCode, &def); err != nil {
			return nil, err
		}
		rule.Definition = def
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
