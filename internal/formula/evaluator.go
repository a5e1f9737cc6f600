package formula

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/raaihank/record-sentinel/internal/logger"
	"github.com/raaihank/record-sentinel/internal/metrics"
	"go.uber.org/zap"
)

// Evaluator computes derived field values. It holds no mutable state.
type Evaluator struct {
	functions *Functions
	now       func() time.Time
	logger    *logger.Logger
}

// NewEvaluator creates an evaluator bound to a function registry
func NewEvaluator(fns *Functions, log *logger.Logger) *Evaluator {
	if fns == nil {
		fns = DefaultFunctions()
	}
	return &Evaluator{
		functions: fns,
		now:       time.Now,
		logger:    log.WithComponent("formula"),
	}
}

// WithClock returns a copy of the evaluator reading time from now
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	c := *e
	c.now = now
	return &c
}

// WithFunctions returns a copy of the evaluator using fns
func (e *Evaluator) WithFunctions(fns *Functions) *Evaluator {
	c := *e
	c.functions = fns
	return &c
}

// Functions returns the function registry the evaluator compiles against
func (e *Evaluator) Functions() *Functions {
	return e.functions
}

// Program is a validated computed field ready for evaluation
type Program struct {
	def       ComputedField
	root      node
	bindings  map[string]string
	functions *Functions
	now       func() time.Time
}

// Definition returns the definition the program was compiled from
func (p *Program) Definition() ComputedField {
	return p.def
}

func configErr(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Validate checks a definition without evaluating it
func (e *Evaluator) Validate(def ComputedField) error {
	_, err := e.Compile(def)
	return err
}

// Compile validates def and prepares it for repeated evaluation
func (e *Evaluator) Compile(def ComputedField) (*Program, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, configErr("name", fmt.Errorf("%w: name is required", ErrInvalidConfig))
	}
	switch def.Type {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray, TypeObject:
	default:
		return nil, configErr("type", fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, def.Type))
	}

	p := &Program{def: def, functions: e.functions, now: e.now}
	cfg := def.Config

	switch def.Source {
	case SourceSelf:
		bindings := make(map[string]string, len(cfg.DependsOn))
		for _, f := range cfg.DependsOn {
			bindings[f] = f
		}
		root, err := e.compileExpr("config.expression", cfg.Expression, bindings)
		if err != nil {
			return nil, err
		}
		p.root, p.bindings = root, bindings

	case SourceFormula:
		bindings := make(map[string]string, len(cfg.Variables))
		for name, field := range cfg.Variables {
			if strings.TrimSpace(field) == "" {
				return nil, configErr("config.variables."+name, fmt.Errorf("%w: variable is not bound to a field", ErrInvalidConfig))
			}
			bindings[name] = field
		}
		root, err := e.compileExpr("config.template", cfg.Template, bindings)
		if err != nil {
			return nil, err
		}
		p.root, p.bindings = root, bindings

	case SourceRelated:
		if cfg.RelationshipType == "" {
			return nil, configErr("config.relationshipType", fmt.Errorf("%w: relationship type is required", ErrInvalidConfig))
		}
		if err := checkDirection(cfg.Direction); err != nil {
			return nil, err
		}
		switch cfg.Aggregation {
		case AggCount, AggExists:
		case AggSum, AggAvg, AggMin, AggMax, AggFirst, AggLast, AggConcat, AggDistinct:
			if cfg.Field == "" {
				return nil, configErr("config.field", fmt.Errorf("%w: %s needs a field", ErrInvalidConfig, cfg.Aggregation))
			}
		default:
			return nil, configErr("config.aggregation", fmt.Errorf("%w: unknown aggregation %q", ErrInvalidConfig, cfg.Aggregation))
		}

	case SourceLookup:
		if cfg.RelationshipType == "" || cfg.Field == "" {
			return nil, configErr("config.field", fmt.Errorf("%w: lookup needs a relationship type and a field", ErrInvalidConfig))
		}
		if err := checkDirection(cfg.Direction); err != nil {
			return nil, err
		}

	case SourceExternal:

	default:
		return nil, configErr("source", fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, def.Source))
	}
	return p, nil
}

func checkDirection(d Direction) error {
	switch d {
	case "", DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return nil
	}
	return configErr("config.direction", fmt.Errorf("%w: unknown direction %q", ErrInvalidConfig, d))
}

// compileExpr parses src and checks references, functions and literal divisors
func (e *Evaluator) compileExpr(field, src string, bindings map[string]string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, configErr(field, fmt.Errorf("%w: expression is required", ErrInvalidConfig))
	}
	root, err := parse(src)
	if err != nil {
		return nil, configErr(field, err)
	}
	err = walk(root, func(n node) error {
		switch v := n.(type) {
		case *refNode:
			if _, ok := bindings[v.name]; !ok {
				return fmt.Errorf("%w: %s", ErrUndeclaredField, v.name)
			}
		case *callNode:
			spec, ok := e.functions.Lookup(v.name)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownFunction, v.name)
			}
			if len(v.args) < spec.MinArgs || (spec.MaxArgs >= 0 && len(v.args) > spec.MaxArgs) {
				return fmt.Errorf("%w: %s takes %s", ErrArity, v.name, arity(spec))
			}
		case *binaryNode:
			if (v.op == "/" || v.op == "%") && isLiteralZero(v.r) {
				return fmt.Errorf("%w: literal zero divisor in %s", ErrDivisionByZero, v.String())
			}
		}
		return nil
	})
	if err != nil {
		return nil, configErr(field, err)
	}
	return root, nil
}

func arity(spec FuncSpec) string {
	switch {
	case spec.MaxArgs < 0:
		return fmt.Sprintf("at least %d arguments", spec.MinArgs)
	case spec.MinArgs == spec.MaxArgs:
		return fmt.Sprintf("%d arguments", spec.MinArgs)
	}
	return fmt.Sprintf("%d to %d arguments", spec.MinArgs, spec.MaxArgs)
}

// Evaluate validates def and computes its value for record.
// related supplies the pre-fetched related records keyed by relationship type.
func (e *Evaluator) Evaluate(def ComputedField, record map[string]any, related RelatedSet) (any, error) {
	p, err := e.Compile(def)
	if err != nil {
		metrics.RecordFormulaEvaluation(string(def.Source), err)
		return nil, err
	}
	v, err := p.Eval(record, related)
	if err != nil {
		e.logger.Debug("Computed field evaluation failed",
			zap.String("field", def.Name),
			zap.String("source", string(def.Source)),
			zap.Error(err),
		)
	}
	return v, err
}

// EvaluateAll computes every definition against record. Failed fields are
// reported in the error map and left out of the values map.
func (e *Evaluator) EvaluateAll(defs []ComputedField, record map[string]any, related RelatedSet) (map[string]any, map[string]error) {
	values := make(map[string]any, len(defs))
	var errs map[string]error
	for _, def := range defs {
		v, err := e.Evaluate(def, record, related)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[def.Name] = err
			continue
		}
		values[def.Name] = v
	}
	return values, errs
}

// Eval computes the program's value for record
func (p *Program) Eval(record map[string]any, related RelatedSet) (any, error) {
	v, err := p.eval(record, related)
	if err == nil {
		v, err = coerceResult(v, p.def.Type)
	}
	metrics.RecordFormulaEvaluation(string(p.def.Source), err)
	if err != nil {
		var failure *exprFailure
		if errors.As(err, &failure) {
			return nil, &EvalError{Field: p.def.Name, Definition: p.def, Expr: failure.expr, Err: failure.err}
		}
		return nil, &EvalError{Field: p.def.Name, Definition: p.def, Err: err}
	}
	return v, nil
}

func (p *Program) eval(record map[string]any, related RelatedSet) (any, error) {
	cfg := p.def.Config
	switch p.def.Source {
	case SourceSelf, SourceFormula:
		env := &env{record: record, bindings: p.bindings, functions: p.functions, now: p.now}
		return env.eval(p.root)
	case SourceRelated:
		return aggregate(cfg, filterRelated(related[cfg.RelationshipType], cfg.Direction))
	case SourceLookup:
		matches := filterRelated(related[cfg.RelationshipType], cfg.Direction)
		if len(matches) == 0 {
			return nil, nil
		}
		return resolvePath(matches[0].Fields, cfg.Field), nil
	case SourceExternal:
		return record[p.def.Name], nil
	}
	return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidConfig, p.def.Source)
}

// exprFailure tags an error with the innermost sub-expression that produced it
type exprFailure struct {
	expr string
	err  error
}

func (f *exprFailure) Error() string { return f.expr + ": " + f.err.Error() }
func (f *exprFailure) Unwrap() error { return f.err }

type env struct {
	record    map[string]any
	bindings  map[string]string
	functions *Functions
	now       func() time.Time
}

func fail(n node, err error) error {
	var failure *exprFailure
	if errors.As(err, &failure) {
		return err
	}
	return &exprFailure{expr: n.String(), err: err}
}

// resolvePath reads a dotted path from a nested record
func resolvePath(record map[string]any, path string) any {
	if v, ok := record[path]; ok {
		return v
	}
	var cur any = record
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func (e *env) eval(n node) (any, error) {
	switch v := n.(type) {
	case *numberLit:
		return v.v, nil
	case *stringLit:
		return v.v, nil
	case *boolLit:
		return v.v, nil
	case *nullLit:
		return nil, nil
	case *refNode:
		return normalize(resolvePath(e.record, e.bindings[v.name])), nil
	case *arrayNode:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			x, err := e.eval(it)
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case *unaryNode:
		x, err := e.eval(v.x)
		if err != nil {
			return nil, err
		}
		if v.op == "!" {
			return !ToBoolean(x), nil
		}
		if x == nil {
			return nil, nil
		}
		f, err := ToNumber(x)
		if err != nil {
			return nil, fail(n, err)
		}
		return -f, nil
	case *binaryNode:
		return e.binary(v)
	case *callNode:
		spec, ok := e.functions.Lookup(v.name)
		if !ok {
			return nil, fail(n, fmt.Errorf("%w: %s", ErrUnknownFunction, v.name))
		}
		out, err := spec.Fn(&Call{name: v.name, args: v.args, env: e})
		if err != nil {
			return nil, fail(n, err)
		}
		return normalize(out), nil
	}
	return nil, fmt.Errorf("%w: unsupported node %T", ErrSyntax, n)
}

func (e *env) binary(n *binaryNode) (any, error) {
	switch n.op {
	case "&&":
		l, err := e.eval(n.l)
		if err != nil || !ToBoolean(l) {
			return false, err
		}
		r, err := e.eval(n.r)
		return ToBoolean(r), err
	case "||":
		l, err := e.eval(n.l)
		if err != nil {
			return nil, err
		}
		if ToBoolean(l) {
			return true, nil
		}
		r, err := e.eval(n.r)
		return ToBoolean(r), err
	}

	l, err := e.eval(n.l)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(n.r)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		c, ok := compare(l, r)
		if !ok {
			return false, nil
		}
		switch n.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		}
		return c >= 0, nil
	case "+":
		_, ls := l.(string)
		_, rs := r.(string)
		if ls || rs {
			return ToString(l) + ToString(r), nil
		}
	}

	if l == nil || r == nil {
		return nil, nil
	}
	a, err := ToNumber(l)
	if err != nil {
		return nil, fail(n, err)
	}
	b, err := ToNumber(r)
	if err != nil {
		return nil, fail(n, err)
	}
	switch n.op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return nil, fail(n, ErrDivisionByZero)
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return nil, fail(n, ErrDivisionByZero)
		}
		return math.Mod(a, b), nil
	}
	return nil, fail(n, fmt.Errorf("%w: unknown operator %s", ErrSyntax, n.op))
}

func filterRelated(records []RelatedRecord, d Direction) []RelatedRecord {
	if d == "" || d == DirectionBoth {
		return records
	}
	out := make([]RelatedRecord, 0, len(records))
	for _, r := range records {
		if r.Direction == d || r.Direction == DirectionBoth {
			out = append(out, r)
		}
	}
	return out
}

// aggregate reduces the configured field over the related records
func aggregate(cfg Config, records []RelatedRecord) (any, error) {
	values := make([]any, 0, len(records))
	for _, r := range records {
		if cfg.Field == "" {
			values = append(values, r.Fields)
			continue
		}
		values = append(values, normalize(resolvePath(r.Fields, cfg.Field)))
	}

	switch cfg.Aggregation {
	case AggCount:
		if cfg.Field == "" {
			return float64(len(records)), nil
		}
		n := 0
		for _, v := range values {
			if v != nil {
				n++
			}
		}
		return float64(n), nil
	case AggExists:
		return len(records) > 0, nil
	case AggFirst:
		if len(values) == 0 {
			return nil, nil
		}
		return values[0], nil
	case AggLast:
		if len(values) == 0 {
			return nil, nil
		}
		return values[len(values)-1], nil
	case AggConcat:
		sep := cfg.Separator
		if sep == "" {
			sep = ", "
		}
		parts := make([]string, 0, len(values))
		for _, v := range values {
			if !isEmpty(v) {
				parts = append(parts, ToString(v))
			}
		}
		return strings.Join(parts, sep), nil
	case AggDistinct:
		seen := make(map[string]bool)
		out := make([]any, 0, len(values))
		for _, v := range values {
			if v == nil {
				continue
			}
			key := kindOf(v) + ":" + ToString(v)
			if !seen[key] {
				seen[key] = true
				out = append(out, v)
			}
		}
		return out, nil
	}

	nums, err := numbers(values)
	if err != nil {
		return nil, fmt.Errorf("aggregating %s: %w", cfg.Field, err)
	}
	switch cfg.Aggregation {
	case AggSum:
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total, nil
	case AggAvg:
		if len(nums) == 0 {
			return nil, nil
		}
		total := 0.0
		for _, n := range nums {
			total += n
		}
		return total / float64(len(nums)), nil
	case AggMin, AggMax:
		if len(nums) == 0 {
			return nil, nil
		}
		sort.Float64s(nums)
		if cfg.Aggregation == AggMin {
			return nums[0], nil
		}
		return nums[len(nums)-1], nil
	}
	return nil, fmt.Errorf("%w: unknown aggregation %q", ErrInvalidConfig, cfg.Aggregation)
}
