package search

import (
	"errors"
	"fmt"
	"time"

	"github.com/raaihank/record-sentinel/internal/logger"
	"go.uber.org/zap"
)

// ErrUnknownToken is returned by the strict resolver for tokens outside the closed set
var ErrUnknownToken = errors.New("unknown relative date token")

// Relative date tokens
const (
	Today       = "today"
	Yesterday   = "yesterday"
	ThisWeek    = "this_week"
	LastWeek    = "last_week"
	ThisMonth   = "this_month"
	LastMonth   = "last_month"
	ThisQuarter = "this_quarter"
	LastQuarter = "last_quarter"
	ThisYear    = "this_year"
	LastYear    = "last_year"
	Last7Days   = "last_7_days"
	Last30Days  = "last_30_days"
	Last90Days  = "last_90_days"
	Last365Days = "last_365_days"
)

// Tokens lists every supported relative date token
func Tokens() []string {
	return []string{
		Today, Yesterday, ThisWeek, LastWeek, ThisMonth, LastMonth,
		ThisQuarter, LastQuarter, ThisYear, LastYear,
		Last7Days, Last30Days, Last90Days, Last365Days,
	}
}

// DateRange is an inclusive absolute time range
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Resolver turns relative date tokens into absolute ranges anchored on its clock
type Resolver struct {
	now    func() time.Time
	loc    *time.Location
	logger *logger.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithClock anchors resolution on now instead of the wall clock
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLocation sets the zone day, week and month boundaries are computed in
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// NewResolver creates a resolver using the local zone and wall clock by default
func NewResolver(log *logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		now:    time.Now,
		loc:    time.Local,
		logger: log.WithComponent("search"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveRelativeDate resolves token, falling back to {start of today, now}
// for tokens it does not know.
func (r *Resolver) ResolveRelativeDate(token string) DateRange {
	rng, err := r.ResolveRelativeDateStrict(token)
	if err != nil {
		r.logger.Warn("Unknown relative date token, using today",
			zap.String("token", token),
		)
		now := r.now().In(r.loc)
		return DateRange{From: startOfDay(now), To: now}
	}
	return rng
}

// ResolveRelativeDateStrict resolves token or returns ErrUnknownToken
func (r *Resolver) ResolveRelativeDateStrict(token string) (DateRange, error) {
	now := r.now().In(r.loc)
	today := startOfDay(now)

	switch token {
	case Today:
		return DateRange{From: today, To: now}, nil
	case Yesterday:
		return closed(today.AddDate(0, 0, -1), today), nil
	case ThisWeek:
		return DateRange{From: startOfWeek(today), To: now}, nil
	case LastWeek:
		week := startOfWeek(today)
		return closed(week.AddDate(0, 0, -7), week), nil
	case ThisMonth:
		return DateRange{From: startOfMonth(today), To: now}, nil
	case LastMonth:
		month := startOfMonth(today)
		return closed(month.AddDate(0, -1, 0), month), nil
	case ThisQuarter:
		return DateRange{From: startOfQuarter(today), To: now}, nil
	case LastQuarter:
		quarter := startOfQuarter(today)
		return closed(quarter.AddDate(0, -3, 0), quarter), nil
	case ThisYear:
		return DateRange{From: startOfYear(today), To: now}, nil
	case LastYear:
		year := startOfYear(today)
		return closed(year.AddDate(-1, 0, 0), year), nil
	case Last7Days:
		return DateRange{From: today.AddDate(0, 0, -7), To: now}, nil
	case Last30Days:
		return DateRange{From: today.AddDate(0, 0, -30), To: now}, nil
	case Last90Days:
		return DateRange{From: today.AddDate(0, 0, -90), To: now}, nil
	case Last365Days:
		return DateRange{From: today.AddDate(0, 0, -365), To: now}, nil
	}
	return DateRange{}, fmt.Errorf("%w: %q", ErrUnknownToken, token)
}

// closed ends a completed period one millisecond before the next one starts
func closed(from, next time.Time) DateRange {
	return DateRange{From: from, To: next.Add(-time.Millisecond)}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// weeks start on Sunday
func startOfWeek(day time.Time) time.Time {
	return day.AddDate(0, 0, -int(day.Weekday()))
}

func startOfMonth(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
}

func startOfQuarter(day time.Time) time.Time {
	first := (int(day.Month())-1)/3*3 + 1
	return time.Date(day.Year(), time.Month(first), 1, 0, 0, 0, 0, day.Location())
}

func startOfYear(day time.Time) time.Time {
	return time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, day.Location())
}
