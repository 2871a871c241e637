package calendar

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// isoDuration is a parsed ISO-8601 duration. Year, month and day components
// are applied calendar-aware via AddDate, the time components as a plain
// offset.
type isoDuration struct {
	years  int
	months int
	days   int
	clock  time.Duration
}

var durationPattern = regexp.MustCompile(
	`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

func parseISODuration(s string) (isoDuration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return isoDuration{}, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var d isoDuration

	d.years = atoiDefault(m[1])
	d.months = atoiDefault(m[2])
	d.days = 7*atoiDefault(m[3]) + atoiDefault(m[4])

	d.clock = time.Duration(atoiDefault(m[5]))*time.Hour +
		time.Duration(atoiDefault(m[6]))*time.Minute

	if m[7] != "" {
		seconds, err := strconv.ParseFloat(m[7], 64)
		if err != nil {
			return isoDuration{}, fmt.Errorf("invalid seconds in duration %q", s)
		}

		d.clock += time.Duration(seconds * float64(time.Second))
	}

	if d.years == 0 && d.months == 0 && d.days == 0 && d.clock == 0 {
		return isoDuration{}, fmt.Errorf("zero ISO-8601 duration %q", s)
	}

	return d, nil
}

func (d isoDuration) addTo(t time.Time) time.Time {
	if d.years != 0 || d.months != 0 || d.days != 0 {
		t = t.AddDate(d.years, d.months, d.days)
	}

	return t.Add(d.clock)
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}

	n, _ := strconv.Atoi(s)

	return n
}
