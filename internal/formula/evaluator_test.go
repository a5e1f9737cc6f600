package formula

import (
	"errors"
	"testing"
	"time"

	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEvaluator() *Evaluator {
	return NewEvaluator(nil, logger.NewNop()).WithClock(func() time.Time { return testNow })
}

func selfField(expr string, typ FieldType, deps ...string) ComputedField {
	return ComputedField{
		Name:   "computed",
		Type:   typ,
		Source: SourceSelf,
		Config: Config{Expression: expr, DependsOn: deps},
	}
}

func TestEvaluateSelfExpressions(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name   string
		expr   string
		typ    FieldType
		deps   []string
		record map[string]any
		want   any
	}{
		{"precedence", "1 + 2 * 3 == 7 && !false", TypeBoolean, nil, nil, true},
		{"modulo", "10 % 4", TypeNumber, nil, nil, 2.0},
		{"string concat with plus", "${a} + '-' + ${b}", TypeString, []string{"a", "b"}, map[string]any{"a": "x", "b": 1}, "x-1"},
		{"int fields become numbers", "${qty} * 2", TypeNumber, []string{"qty"}, map[string]any{"qty": 21}, 42.0},
		{"null propagates through arithmetic", "${a} + 1", TypeNumber, []string{"a"}, map[string]any{}, nil},
		{"dotted reference", "upper(${owner.name})", TypeString, []string{"owner.name"}, map[string]any{"owner": map[string]any{"name": "ada"}}, "ADA"},
		{"replace is literal", "replace(${s}, '.', '-')", TypeString, []string{"s"}, map[string]any{"s": "a.b.c"}, "a-b-c"},
		{"replace with metacharacters", "replace(${s}, '(x)', 'y')", TypeString, []string{"s"}, map[string]any{"s": "(x)(x)x"}, "yyx"},
		{"substring", "substring('hello', 1, 3)", TypeString, nil, nil, "el"},
		{"length counts runes", "length('héllo')", TypeNumber, nil, nil, 5.0},
		{"join", "join(['a', 'b'], '-')", TypeString, nil, nil, "a-b"},
		{"join default separator", "join(['a', 'b'])", TypeString, nil, nil, "a,b"},
		{"includes", "includes(['a', 'b'], 'b')", TypeBoolean, nil, nil, true},
		{"filter drops empties", "count(filter([1, null, '', 2]))", TypeNumber, nil, nil, 2.0},
		{"coalesce", "coalesce(null, '', 'x')", TypeString, nil, nil, "x"},
		{"default", "default(${missing}, 5)", TypeNumber, []string{"missing"}, map[string]any{}, 5.0},
		{"min", "min(3, 1, 2)", TypeNumber, nil, nil, 1.0},
		{"max over array", "max([4, 9])", TypeNumber, nil, nil, 9.0},
		{"sum", "sum(1, 2, 3)", TypeNumber, nil, nil, 6.0},
		{"avg", "avg([2, 4])", TypeNumber, nil, nil, 3.0},
		{"first", "first([7, 8])", TypeNumber, nil, nil, 7.0},
		{"last", "last([7, 8])", TypeNumber, nil, nil, 8.0},
		{"pow", "pow(2, 10)", TypeNumber, nil, nil, 1024.0},
		{"sqrt", "sqrt(16)", TypeNumber, nil, nil, 4.0},
		{"abs", "abs(-3)", TypeNumber, nil, nil, 3.0},
		{"floor", "floor(2.7)", TypeNumber, nil, nil, 2.0},
		{"ceil", "ceil(2.1)", TypeNumber, nil, nil, 3.0},
		{"round digits", "round(2.36, 1)", TypeNumber, nil, nil, 2.4},
		{"toNumber", "toNumber('42') + 1", TypeNumber, nil, nil, 43.0},
		{"toBoolean", "toBoolean('no')", TypeBoolean, nil, nil, false},
		{"formatDate", "formatDate(${d}, 'YYYY/MM/DD')", TypeString, []string{"d"}, map[string]any{"d": "2024-03-05T10:00:00Z"}, "2024/03/05"},
		{"date comparison", "toDate(${d}) < now()", TypeBoolean, []string{"d"}, map[string]any{"d": "2024-03-05"}, true},
		{"number result coerced to string", "1 + 1", TypeString, nil, nil, "2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(selfField(tt.expr, tt.typ, tt.deps...), tt.record, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateDates(t *testing.T) {
	e := newTestEvaluator()

	got, err := e.Evaluate(selfField("addDays(${d}, 2)", TypeDate, "d"), map[string]any{"d": "2024-03-05T10:00:00Z"}, nil)
	require.NoError(t, err)
	assert.True(t, time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC).Equal(got.(time.Time)))

	got, err = e.Evaluate(selfField("daysAgo(${d})", TypeNumber, "d"), map[string]any{"d": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 9.0, got)
}

func TestLazyIf(t *testing.T) {
	e := newTestEvaluator()
	def := selfField("if(${b} == 0, 0, ${a} / ${b})", TypeNumber, "a", "b")

	got, err := e.Evaluate(def, map[string]any{"a": 10, "b": 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got)

	got, err = e.Evaluate(def, map[string]any{"a": 10, "b": 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.5, got)
}

func TestDivisionByZero(t *testing.T) {
	e := newTestEvaluator()

	t.Run("literal zero is a config error", func(t *testing.T) {
		err := e.Validate(selfField("${a} / 0", TypeNumber, "a"))
		require.Error(t, err)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "config.expression", cfgErr.Field)
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})

	t.Run("negative literal zero modulo", func(t *testing.T) {
		err := e.Validate(selfField("${a} % -0", TypeNumber, "a"))
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})

	t.Run("runtime zero is tagged with the sub-expression", func(t *testing.T) {
		def := selfField("round(${a} / ${b}, 2)", TypeNumber, "a", "b")
		_, err := e.Evaluate(def, map[string]any{"a": 1, "b": 0}, nil)
		require.Error(t, err)

		var evalErr *EvalError
		require.ErrorAs(t, err, &evalErr)
		assert.Equal(t, "computed", evalErr.Field)
		assert.Equal(t, "(${a} / ${b})", evalErr.Expr)
		assert.Equal(t, def, evalErr.Definition)
		assert.ErrorIs(t, err, ErrDivisionByZero)
	})
}

func TestCompileErrors(t *testing.T) {
	e := newTestEvaluator()

	tests := []struct {
		name string
		def  ComputedField
		want error
	}{
		{"undeclared field", selfField("${a} + ${b}", TypeNumber, "a"), ErrUndeclaredField},
		{"unknown function", selfField("nope(1)", TypeNumber), ErrUnknownFunction},
		{"too few arguments", selfField("round()", TypeNumber), ErrArity},
		{"too many arguments", selfField("upper('a', 'b')", TypeString), ErrArity},
		{"syntax", selfField("${a} +", TypeNumber, "a"), ErrSyntax},
		{"bare identifier", selfField("total", TypeNumber), ErrSyntax},
		{"empty expression", selfField("  ", TypeNumber), ErrInvalidConfig},
		{"missing name", ComputedField{Type: TypeNumber, Source: SourceExternal}, ErrInvalidConfig},
		{"unknown type", ComputedField{Name: "x", Type: "money", Source: SourceExternal}, ErrInvalidConfig},
		{"unknown source", ComputedField{Name: "x", Type: TypeNumber, Source: "graph"}, ErrInvalidConfig},
		{"related without relationship", ComputedField{Name: "x", Type: TypeNumber, Source: SourceRelated, Config: Config{Aggregation: AggCount}}, ErrInvalidConfig},
		{"related sum without field", ComputedField{Name: "x", Type: TypeNumber, Source: SourceRelated, Config: Config{RelationshipType: "deal", Aggregation: AggSum}}, ErrInvalidConfig},
		{"related unknown aggregation", ComputedField{Name: "x", Type: TypeNumber, Source: SourceRelated, Config: Config{RelationshipType: "deal", Aggregation: "median", Field: "amount"}}, ErrInvalidConfig},
		{"related bad direction", ComputedField{Name: "x", Type: TypeNumber, Source: SourceRelated, Config: Config{RelationshipType: "deal", Aggregation: AggCount, Direction: "sideways"}}, ErrInvalidConfig},
		{"lookup without field", ComputedField{Name: "x", Type: TypeString, Source: SourceLookup, Config: Config{RelationshipType: "owner"}}, ErrInvalidConfig},
		{"formula unbound variable", ComputedField{Name: "x", Type: TypeNumber, Source: SourceFormula, Config: Config{Template: "${q} * 2", Variables: map[string]string{"q": ""}}}, ErrInvalidConfig},
		{"formula undeclared variable", ComputedField{Name: "x", Type: TypeNumber, Source: SourceFormula, Config: Config{Template: "${q} * ${p}", Variables: map[string]string{"q": "quantity"}}}, ErrUndeclaredField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestFormulaVariables(t *testing.T) {
	e := newTestEvaluator()
	def := ComputedField{
		Name:   "lineTotal",
		Type:   TypeNumber,
		Source: SourceFormula,
		Config: Config{
			Template:  "${q} * ${p}",
			Variables: map[string]string{"q": "qty", "p": "pricing.unit"},
		},
	}

	got, err := e.Evaluate(def, map[string]any{"qty": 3, "pricing": map[string]any{"unit": 2.5}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7.5, got)
}

func TestRelatedAggregations(t *testing.T) {
	e := newTestEvaluator()
	related := RelatedSet{
		"deal": {
			{Direction: DirectionOutgoing, Fields: map[string]any{"amount": 10, "name": "a"}},
			{Direction: DirectionIncoming, Fields: map[string]any{"amount": 5, "name": "b"}},
			{Direction: DirectionOutgoing, Fields: map[string]any{"amount": nil, "name": "a"}},
		},
	}

	tests := []struct {
		name string
		typ  FieldType
		cfg  Config
		want any
	}{
		{"count both", TypeNumber, Config{Aggregation: AggCount}, 3.0},
		{"count outgoing", TypeNumber, Config{Aggregation: AggCount, Direction: DirectionOutgoing}, 2.0},
		{"count non-null field", TypeNumber, Config{Aggregation: AggCount, Field: "amount"}, 2.0},
		{"sum", TypeNumber, Config{Aggregation: AggSum, Field: "amount"}, 15.0},
		{"avg skips nulls", TypeNumber, Config{Aggregation: AggAvg, Field: "amount"}, 7.5},
		{"min", TypeNumber, Config{Aggregation: AggMin, Field: "amount"}, 5.0},
		{"max", TypeNumber, Config{Aggregation: AggMax, Field: "amount"}, 10.0},
		{"first", TypeString, Config{Aggregation: AggFirst, Field: "name"}, "a"},
		{"last incoming", TypeString, Config{Aggregation: AggLast, Field: "name", Direction: DirectionIncoming}, "b"},
		{"concat", TypeString, Config{Aggregation: AggConcat, Field: "name"}, "a, b, a"},
		{"concat separator", TypeString, Config{Aggregation: AggConcat, Field: "name", Separator: "|"}, "a|b|a"},
		{"distinct", TypeArray, Config{Aggregation: AggDistinct, Field: "name"}, []any{"a", "b"}},
		{"exists", TypeBoolean, Config{Aggregation: AggExists, Direction: DirectionIncoming}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.RelationshipType = "deal"
			def := ComputedField{Name: "agg", Type: tt.typ, Source: SourceRelated, Config: tt.cfg}
			got, err := e.Evaluate(def, nil, related)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("missing relationship", func(t *testing.T) {
		def := ComputedField{Name: "agg", Type: TypeBoolean, Source: SourceRelated, Config: Config{RelationshipType: "ticket", Aggregation: AggExists}}
		got, err := e.Evaluate(def, nil, related)
		require.NoError(t, err)
		assert.Equal(t, false, got)
	})

	t.Run("avg of nothing is null", func(t *testing.T) {
		def := ComputedField{Name: "agg", Type: TypeNumber, Source: SourceRelated, Config: Config{RelationshipType: "ticket", Aggregation: AggAvg, Field: "x"}}
		got, err := e.Evaluate(def, nil, related)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestLookupAndExternal(t *testing.T) {
	e := newTestEvaluator()
	related := RelatedSet{
		"owner": {
			{Direction: DirectionIncoming, Fields: map[string]any{"email": "in@x.com"}},
			{Direction: DirectionOutgoing, Fields: map[string]any{"email": "out@x.com"}},
		},
	}

	lookup := ComputedField{Name: "ownerEmail", Type: TypeString, Source: SourceLookup,
		Config: Config{RelationshipType: "owner", Field: "email", Direction: DirectionOutgoing}}
	got, err := e.Evaluate(lookup, nil, related)
	require.NoError(t, err)
	assert.Equal(t, "out@x.com", got)

	external := ComputedField{Name: "score", Type: TypeNumber, Source: SourceExternal}
	got, err = e.Evaluate(external, map[string]any{"score": 42}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
}

func TestFunctionRegistry(t *testing.T) {
	t.Run("allow list", func(t *testing.T) {
		e := NewEvaluator(DefaultFunctions().Allow("round", "nope"), logger.NewNop())
		assert.Equal(t, []string{"round"}, e.functions.Names())

		require.NoError(t, e.Validate(selfField("round(1.5)", TypeNumber)))
		err := e.Validate(selfField("upper('a')", TypeString))
		assert.ErrorIs(t, err, ErrUnknownFunction)
	})

	t.Run("injected function", func(t *testing.T) {
		calls := 0
		fns := DefaultFunctions().With("double", FuncSpec{MinArgs: 1, MaxArgs: 1, Fn: func(c *Call) (any, error) {
			calls++
			n, err := c.number(0)
			return n * 2, err
		}})
		e := newTestEvaluator().WithFunctions(fns)

		got, err := e.Evaluate(selfField("double(${x})", TypeNumber, "x"), map[string]any{"x": 4}, nil)
		require.NoError(t, err)
		assert.Equal(t, 8.0, got)
		assert.Equal(t, 1, calls)

		_, ok := DefaultFunctions().Lookup("double")
		assert.False(t, ok, "With must not mutate the shared registry")
	})

	t.Run("function errors carry the call", func(t *testing.T) {
		fns := DefaultFunctions().With("boom", FuncSpec{MinArgs: 0, MaxArgs: 0, Fn: func(*Call) (any, error) {
			return nil, errors.New("exploded")
		}})
		e := newTestEvaluator().WithFunctions(fns)

		_, err := e.Evaluate(selfField("1 + boom()", TypeNumber), nil, nil)
		var evalErr *EvalError
		require.ErrorAs(t, err, &evalErr)
		assert.Equal(t, "boom()", evalErr.Expr)
	})

	t.Run("type mismatch", func(t *testing.T) {
		e := newTestEvaluator()
		_, err := e.Evaluate(selfField("${a} * 2", TypeNumber, "a"), map[string]any{"a": "lots"}, nil)
		assert.ErrorIs(t, err, ErrTypeMismatch)
		assert.NotContains(t, err.Error(), "lots")
	})
}

func TestEvaluateAll(t *testing.T) {
	e := newTestEvaluator()
	defs := []ComputedField{
		{Name: "double", Type: TypeNumber, Source: SourceSelf, Config: Config{Expression: "${n} * 2", DependsOn: []string{"n"}}},
		{Name: "broken", Type: TypeNumber, Source: SourceSelf, Config: Config{Expression: "${n} / ${z}", DependsOn: []string{"n", "z"}}},
	}

	values, errs := e.EvaluateAll(defs, map[string]any{"n": 2, "z": 0}, nil)
	assert.Equal(t, map[string]any{"double": 4.0}, values)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs["broken"], ErrDivisionByZero)
}
