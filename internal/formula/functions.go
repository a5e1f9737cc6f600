package formula

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Call gives a function lazy access to its arguments
type Call struct {
	name string
	args []node
	env  *env
}

// Len returns the number of arguments passed
func (c *Call) Len() int {
	return len(c.args)
}

// Arg evaluates and returns argument i. Missing arguments are null.
func (c *Call) Arg(i int) (any, error) {
	if i < 0 || i >= len(c.args) {
		return nil, nil
	}
	return c.env.eval(c.args[i])
}

// Args evaluates every argument in order
func (c *Call) Args() ([]any, error) {
	out := make([]any, len(c.args))
	for i := range c.args {
		v, err := c.Arg(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Now returns the evaluation clock
func (c *Call) Now() time.Time {
	return c.env.now()
}

func (c *Call) number(i int) (float64, error) {
	v, err := c.Arg(i)
	if err != nil {
		return 0, err
	}
	return ToNumber(v)
}

func (c *Call) str(i int) (string, error) {
	v, err := c.Arg(i)
	if err != nil {
		return "", err
	}
	return ToString(v), nil
}

func (c *Call) date(i int) (time.Time, bool, error) {
	v, err := c.Arg(i)
	if err != nil || v == nil {
		return time.Time{}, false, err
	}
	t, err := ToDate(v)
	return t, err == nil, err
}

// array flattens the arguments: a single array argument is used as is
func (c *Call) array() ([]any, error) {
	args, err := c.Args()
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		switch v := normalize(args[0]).(type) {
		case []any:
			return v, nil
		case nil:
			return nil, nil
		}
	}
	return args, nil
}

// Func implements a built-in function
type Func func(c *Call) (any, error)

// FuncSpec declares a function with its arity. MaxArgs < 0 means variadic.
type FuncSpec struct {
	MinArgs int
	MaxArgs int
	Fn      Func
}

// Functions is an immutable function registry
type Functions struct {
	specs map[string]FuncSpec
}

// Lookup returns the function registered under name
func (f *Functions) Lookup(name string) (FuncSpec, bool) {
	spec, ok := f.specs[name]
	return spec, ok
}

// Names returns the registered names in sorted order
func (f *Functions) Names() []string {
	names := make([]string, 0, len(f.specs))
	for n := range f.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Allow returns a registry restricted to names. Unknown names are ignored.
func (f *Functions) Allow(names ...string) *Functions {
	out := &Functions{specs: make(map[string]FuncSpec, len(names))}
	for _, n := range names {
		if spec, ok := f.specs[n]; ok {
			out.specs[n] = spec
		}
	}
	return out
}

// With returns a copy of the registry with name bound to spec
func (f *Functions) With(name string, spec FuncSpec) *Functions {
	out := &Functions{specs: make(map[string]FuncSpec, len(f.specs)+1)}
	for n, s := range f.specs {
		out.specs[n] = s
	}
	out.specs[name] = spec
	return out
}

var defaultFunctions = &Functions{specs: builtins()}

// DefaultFunctions returns the built-in function library
func DefaultFunctions() *Functions {
	return defaultFunctions
}

func fixed(n int, fn Func) FuncSpec        { return FuncSpec{MinArgs: n, MaxArgs: n, Fn: fn} }
func between(lo, hi int, fn Func) FuncSpec { return FuncSpec{MinArgs: lo, MaxArgs: hi, Fn: fn} }
func variadic(lo int, fn Func) FuncSpec    { return FuncSpec{MinArgs: lo, MaxArgs: -1, Fn: fn} }

func unaryMath(op func(float64) float64) Func {
	return func(c *Call) (any, error) {
		v, err := c.Arg(0)
		if err != nil || v == nil {
			return nil, err
		}
		n, err := ToNumber(v)
		if err != nil {
			return nil, err
		}
		return op(n), nil
	}
}

func unaryString(op func(string) string) Func {
	return func(c *Call) (any, error) {
		v, err := c.Arg(0)
		if err != nil || v == nil {
			return nil, err
		}
		return op(ToString(v)), nil
	}
}

const day = 24 * time.Hour

func builtins() map[string]FuncSpec {
	return map[string]FuncSpec{
		// math
		"round": between(1, 2, fnRound),
		"floor": fixed(1, unaryMath(math.Floor)),
		"ceil":  fixed(1, unaryMath(math.Ceil)),
		"abs":   fixed(1, unaryMath(math.Abs)),
		"sqrt":  fixed(1, unaryMath(math.Sqrt)),
		"pow":   fixed(2, fnPow),
		"min":   variadic(1, extreme(-1)),
		"max":   variadic(1, extreme(1)),

		// string
		"concat":    variadic(0, fnConcat),
		"upper":     fixed(1, unaryString(strings.ToUpper)),
		"lower":     fixed(1, unaryString(strings.ToLower)),
		"trim":      fixed(1, unaryString(strings.TrimSpace)),
		"substring": between(2, 3, fnSubstring),
		"length":    fixed(1, fnLength),
		"replace":   fixed(3, fnReplace),

		// date
		"now":         fixed(0, func(c *Call) (any, error) { return c.Now(), nil }),
		"daysAgo":     fixed(1, fnDaysAgo),
		"daysBetween": fixed(2, fnDaysBetween),
		"formatDate":  between(1, 2, fnFormatDate),
		"addDays":     fixed(2, fnAddDays),

		// conditional
		"if":       fixed(3, fnIf),
		"coalesce": variadic(1, fnCoalesce),
		"default":  fixed(2, fnDefault),

		// array
		"first":    fixed(1, fnFirst),
		"last":     fixed(1, fnLast),
		"sum":      variadic(0, fnSum),
		"avg":      variadic(0, fnAvg),
		"count":    variadic(0, fnCount),
		"join":     between(1, 2, fnJoin),
		"includes": fixed(2, fnIncludes),
		"filter":   between(1, 2, fnFilter),

		// coercion
		"toNumber":  fixed(1, fnToNumber),
		"toString":  fixed(1, fnToString),
		"toBoolean": fixed(1, fnToBoolean),
		"toDate":    fixed(1, fnToDate),
	}
}

func fnRound(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil || v == nil {
		return nil, err
	}
	n, err := ToNumber(v)
	if err != nil {
		return nil, err
	}
	digits, err := c.number(1)
	if err != nil {
		return nil, err
	}
	scale := math.Pow(10, math.Trunc(digits))
	return math.Round(n*scale) / scale, nil
}

func fnPow(c *Call) (any, error) {
	base, err := c.number(0)
	if err != nil {
		return nil, err
	}
	exp, err := c.number(1)
	if err != nil {
		return nil, err
	}
	return math.Pow(base, exp), nil
}

// extreme returns min (sign -1) or max (sign 1) over numeric arguments, ignoring nulls
func extreme(sign int) Func {
	return func(c *Call) (any, error) {
		values, err := c.array()
		if err != nil {
			return nil, err
		}
		var best any
		for _, v := range values {
			if v == nil {
				continue
			}
			n, err := ToNumber(v)
			if err != nil {
				return nil, err
			}
			if b, ok := best.(float64); !ok || (sign < 0 && n < b) || (sign > 0 && n > b) {
				best = n
			}
		}
		return best, nil
	}
}

func fnConcat(c *Call) (any, error) {
	args, err := c.Args()
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, a := range args {
		b.WriteString(ToString(a))
	}
	return b.String(), nil
}

func fnSubstring(c *Call) (any, error) {
	s, err := c.str(0)
	if err != nil {
		return nil, err
	}
	runes := []rune(s)
	start, err := c.number(1)
	if err != nil {
		return nil, err
	}
	end := float64(len(runes))
	if c.Len() > 2 {
		if end, err = c.number(2); err != nil {
			return nil, err
		}
	}
	clamp := func(f float64) int {
		i := int(f)
		if i < 0 {
			return 0
		}
		if i > len(runes) {
			return len(runes)
		}
		return i
	}
	from, to := clamp(start), clamp(end)
	if from > to {
		from, to = to, from
	}
	return string(runes[from:to]), nil
}

func fnLength(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	switch x := normalize(v).(type) {
	case nil:
		return float64(0), nil
	case []any:
		return float64(len(x)), nil
	case map[string]any:
		return float64(len(x)), nil
	default:
		return float64(len([]rune(ToString(x)))), nil
	}
}

// fnReplace replaces every literal occurrence of the search string
func fnReplace(c *Call) (any, error) {
	s, err := c.str(0)
	if err != nil {
		return nil, err
	}
	search, err := c.str(1)
	if err != nil {
		return nil, err
	}
	repl, err := c.str(2)
	if err != nil {
		return nil, err
	}
	if search == "" {
		return s, nil
	}
	re, err := regexp.Compile(regexp.QuoteMeta(search))
	if err != nil {
		return strings.ReplaceAll(s, search, repl), nil
	}
	return re.ReplaceAllLiteralString(s, repl), nil
}

func fnDaysAgo(c *Call) (any, error) {
	t, ok, err := c.date(0)
	if err != nil || !ok {
		return nil, err
	}
	return math.Floor(c.Now().Sub(t).Hours() / 24), nil
}

func fnDaysBetween(c *Call) (any, error) {
	a, okA, err := c.date(0)
	if err != nil {
		return nil, err
	}
	b, okB, err := c.date(1)
	if err != nil {
		return nil, err
	}
	if !okA || !okB {
		return nil, nil
	}
	return math.Floor(b.Sub(a).Hours() / 24), nil
}

var formatTokens = strings.NewReplacer(
	"YYYY", "2006",
	"MM", "01",
	"DD", "02",
	"HH", "15",
	"mm", "04",
	"ss", "05",
)

func fnFormatDate(c *Call) (any, error) {
	t, ok, err := c.date(0)
	if err != nil || !ok {
		return nil, err
	}
	layout := "2006-01-02"
	if c.Len() > 1 {
		f, err := c.str(1)
		if err != nil {
			return nil, err
		}
		layout = formatTokens.Replace(f)
	}
	return t.Format(layout), nil
}

func fnAddDays(c *Call) (any, error) {
	t, ok, err := c.date(0)
	if err != nil || !ok {
		return nil, err
	}
	n, err := c.number(1)
	if err != nil {
		return nil, err
	}
	return t.Add(time.Duration(n * float64(day))), nil
}

// fnIf evaluates only the selected branch
func fnIf(c *Call) (any, error) {
	cond, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	if ToBoolean(cond) {
		return c.Arg(1)
	}
	return c.Arg(2)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// fnCoalesce returns the first argument that is neither null nor empty, evaluating lazily
func fnCoalesce(c *Call) (any, error) {
	for i := 0; i < c.Len(); i++ {
		v, err := c.Arg(i)
		if err != nil {
			return nil, err
		}
		if !isEmpty(v) {
			return v, nil
		}
	}
	return nil, nil
}

func fnDefault(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	if !isEmpty(v) {
		return v, nil
	}
	return c.Arg(1)
}

func fnFirst(c *Call) (any, error) {
	values, err := c.array()
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[0], nil
}

func fnLast(c *Call) (any, error) {
	values, err := c.array()
	if err != nil || len(values) == 0 {
		return nil, err
	}
	return values[len(values)-1], nil
}

func numbers(values []any) ([]float64, error) {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		n, err := ToNumber(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func fnSum(c *Call) (any, error) {
	values, err := c.array()
	if err != nil {
		return nil, err
	}
	nums, err := numbers(values)
	if err != nil {
		return nil, err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total, nil
}

func fnAvg(c *Call) (any, error) {
	values, err := c.array()
	if err != nil {
		return nil, err
	}
	nums, err := numbers(values)
	if err != nil || len(nums) == 0 {
		return nil, err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return total / float64(len(nums)), nil
}

func fnCount(c *Call) (any, error) {
	values, err := c.array()
	if err != nil {
		return nil, err
	}
	return float64(len(values)), nil
}

func fnJoin(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	arr, ok := normalize(v).([]any)
	if !ok {
		if v == nil {
			return "", nil
		}
		return nil, mismatch("array", v)
	}
	sep := ","
	if c.Len() > 1 {
		if sep, err = c.str(1); err != nil {
			return nil, err
		}
	}
	parts := make([]string, len(arr))
	for i, item := range arr {
		parts[i] = ToString(item)
	}
	return strings.Join(parts, sep), nil
}

func fnIncludes(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	needle, err := c.Arg(1)
	if err != nil {
		return nil, err
	}
	switch x := normalize(v).(type) {
	case []any:
		for _, item := range x {
			if equal(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(x, ToString(needle)), nil
	case nil:
		return false, nil
	}
	return nil, mismatch("array", v)
}

// fnFilter drops null and empty items, or keeps only items equal to the second argument
func fnFilter(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	arr, ok := normalize(v).([]any)
	if !ok {
		if v == nil {
			return []any{}, nil
		}
		return nil, mismatch("array", v)
	}
	var want any
	hasWant := c.Len() > 1
	if hasWant {
		if want, err = c.Arg(1); err != nil {
			return nil, err
		}
	}
	out := make([]any, 0, len(arr))
	for _, item := range arr {
		if (hasWant && equal(item, want)) || (!hasWant && !isEmpty(item)) {
			out = append(out, item)
		}
	}
	return out, nil
}

func fnToNumber(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	return ToNumber(v)
}

func fnToString(c *Call) (any, error) {
	return c.str(0)
}

func fnToBoolean(c *Call) (any, error) {
	v, err := c.Arg(0)
	if err != nil {
		return nil, err
	}
	return ToBoolean(v), nil
}

func fnToDate(c *Call) (any, error) {
	t, ok, err := c.date(0)
	if err != nil {
		return nil, fmt.Errorf("toDate: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return t, nil
}
