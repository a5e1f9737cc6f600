package formula

import (
	"errors"
	"fmt"
)

// FieldType is the declared result type of a computed field
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Source selects how a computed field is derived
type Source string

const (
	SourceSelf     Source = "self"
	SourceRelated  Source = "related"
	SourceLookup   Source = "lookup"
	SourceFormula  Source = "formula"
	SourceExternal Source = "external"
)

// Direction filters related records by edge direction
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Aggregation is the reduction applied to related records
type Aggregation string

const (
	AggCount    Aggregation = "count"
	AggSum      Aggregation = "sum"
	AggAvg      Aggregation = "avg"
	AggMin      Aggregation = "min"
	AggMax      Aggregation = "max"
	AggFirst    Aggregation = "first"
	AggLast     Aggregation = "last"
	AggConcat   Aggregation = "concat"
	AggDistinct Aggregation = "distinct"
	AggExists   Aggregation = "exists"
)

// Config is the source specific part of a computed field definition.
// Which members apply depends on ComputedField.Source.
type Config struct {
	// self
	Expression string   `json:"expression,omitempty" mapstructure:"expression"`
	DependsOn  []string `json:"dependsOn,omitempty" mapstructure:"depends_on"`

	// related and lookup
	RelationshipType string      `json:"relationshipType,omitempty" mapstructure:"relationship_type"`
	Direction        Direction   `json:"direction,omitempty" mapstructure:"direction"`
	Aggregation      Aggregation `json:"aggregation,omitempty" mapstructure:"aggregation"`
	Field            string      `json:"field,omitempty" mapstructure:"field"`
	Separator        string      `json:"separator,omitempty" mapstructure:"separator"`

	// formula
	Template  string            `json:"template,omitempty" mapstructure:"template"`
	Variables map[string]string `json:"variables,omitempty" mapstructure:"variables"`
}

// ComputedField is a derived field definition embedded in a record type
type ComputedField struct {
	Name   string    `json:"name" mapstructure:"name"`
	Label  string    `json:"label,omitempty" mapstructure:"label"`
	Type   FieldType `json:"type" mapstructure:"type"`
	Source Source    `json:"source" mapstructure:"source"`
	Config Config    `json:"config" mapstructure:"config"`
}

// RelatedRecord is one pre-fetched record on the other side of a relationship
type RelatedRecord struct {
	Direction Direction      `json:"direction"`
	Fields    map[string]any `json:"fields"`
}

// RelatedSet maps relationship type to its related records
type RelatedSet map[string][]RelatedRecord

var (
	ErrSyntax          = errors.New("syntax error")
	ErrUndeclaredField = errors.New("reference to undeclared field")
	ErrUnknownFunction = errors.New("unknown function")
	ErrArity           = errors.New("wrong number of arguments")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrInvalidConfig   = errors.New("invalid computed field")
	ErrUnknownTemplate = errors.New("unknown template")
)

// ConfigError reports a definition problem found before any record is evaluated
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid computed field config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// EvalError is a runtime failure tagged with the field, its definition and
// the sub-expression that failed
type EvalError struct {
	Field      string
	Definition ComputedField
	Expr       string
	Err        error
}

func (e *EvalError) Error() string {
	if e.Expr == "" {
		return fmt.Sprintf("computed field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("computed field %q: evaluating %s: %v", e.Field, e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}
