// Package calendar resolves due-date expressions for timer jobs. Supported
// shapes are cron expressions ("0 3 * * *"), ISO-8601 durations ("PT5M",
// "P1DT2H"), ISO-8601 repeating intervals ("R3/PT10M",
// "R/2026-01-01T00:00:00Z/PT1H") and fixed RFC 3339 timestamps.
package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrNoMoreOccurrences is returned by a repeating-interval resolver whose
// repetitions are exhausted.
var ErrNoMoreOccurrences = errors.New("no more occurrences")

// DueDateResolver translates a due-date expression into the next concrete
// timestamp relative to a given time.
type DueDateResolver interface {
	Resolve(now time.Time) (time.Time, error)
}

// NewResolver picks a resolver based on the expression's shape.
func NewResolver(expression string) (DueDateResolver, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, errors.New("empty due date expression")
	}

	switch {
	case strings.HasPrefix(expression, "R"):
		return newCycleResolver(expression)

	case strings.HasPrefix(expression, "P"):
		d, err := parseISODuration(expression)
		if err != nil {
			return nil, err
		}

		return &durationResolver{duration: d}, nil
	}

	if t, err := time.Parse(time.RFC3339, expression); err == nil {
		return &fixedResolver{at: t}, nil
	}

	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, fmt.Errorf("unsupported due date expression %q: %w", expression, err)
	}

	return &cronResolver{schedule: schedule}, nil
}

type cronResolver struct {
	schedule cron.Schedule
}

func (r *cronResolver) Resolve(now time.Time) (time.Time, error) {
	return r.schedule.Next(now), nil
}

type fixedResolver struct {
	at time.Time
}

func (r *fixedResolver) Resolve(now time.Time) (time.Time, error) {
	return r.at, nil
}

type durationResolver struct {
	duration isoDuration
}

func (r *durationResolver) Resolve(now time.Time) (time.Time, error) {
	return r.duration.addTo(now), nil
}

// cycleResolver implements ISO-8601 repeating intervals. Without a start
// timestamp every resolution yields now+duration; with one, occurrences are
// anchored at start, start+d, start+2d, ...
type cycleResolver struct {
	// repetitions is -1 for an unbounded cycle ("R/...").
	repetitions int
	start       *time.Time
	duration    isoDuration
}

func newCycleResolver(expression string) (*cycleResolver, error) {
	parts := strings.Split(expression, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid repeating interval %q", expression)
	}

	r := &cycleResolver{repetitions: -1}

	if rest := parts[0][1:]; rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid repetition count in %q", expression)
		}

		r.repetitions = n
	}

	durationPart := parts[1]
	if len(parts) == 3 {
		start, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid start timestamp in %q: %w", expression, err)
		}

		r.start = &start
		durationPart = parts[2]
	}

	d, err := parseISODuration(durationPart)
	if err != nil {
		return nil, fmt.Errorf("invalid duration in %q: %w", expression, err)
	}

	r.duration = d

	return r, nil
}

func (r *cycleResolver) Resolve(now time.Time) (time.Time, error) {
	if r.start == nil {
		return r.duration.addTo(now), nil
	}

	t := *r.start
	occurrence := 0

	for !t.After(now) {
		if r.repetitions >= 0 && occurrence >= r.repetitions {
			return time.Time{}, ErrNoMoreOccurrences
		}

		t = r.duration.addTo(t)
		occurrence++
	}

	return t, nil
}

// Repetitions returns the configured repetition count and whether the cycle
// is bounded.
func (r *cycleResolver) Repetitions() (int, bool) {
	return r.repetitions, r.repetitions >= 0
}
