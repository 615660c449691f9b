// Package window computes the half-open UTC interval a run considers new.
package window

import (
	"fmt"
	"regexp"
	"time"

	"github.com/paperflow-io/paperflow/internal/errs"
)

// Window is a half-open UTC interval [Start, End). It is immutable once
// resolved for a run.
type Window struct {
	Start time.Time
	End   time.Time

	// AnchorDate is set when the window came from anchor-mode resolution;
	// it names the day files for the run.
	AnchorDate string
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Options selects one of the three resolution modes, in priority order:
// explicit start/end, last-N-hours, anchor midnight.
type Options struct {
	Start string // UTC: YYYY-MM-DD or RFC 3339
	End   string // UTC, half-open; a date-only value includes that day (+1 day)

	LastHours float64

	AnchorTZ   string // IANA zone; that zone's midnight becomes End
	AnchorDate string // YYYY-MM-DD; empty means today in AnchorTZ
	Days       int    // Start = End - Days

	Now func() time.Time // nil means time.Now
}

var dateOnlyRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Resolve produces exactly one window from opts, or a ConfigError when the
// options are contradictory or yield an empty interval.
func Resolve(opts Options) (Window, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	switch {
	case opts.Start != "" && opts.End != "":
		start, err := parseUTC(opts.Start, false)
		if err != nil {
			return Window{}, errs.Configf("invalid start %q: %v", opts.Start, err)
		}
		end, err := parseUTC(opts.End, true)
		if err != nil {
			return Window{}, errs.Configf("invalid end %q: %v", opts.End, err)
		}
		return check(Window{Start: start, End: end})

	case opts.Start != "" || opts.End != "":
		return Window{}, errs.Configf("start and end must be supplied together")

	case opts.LastHours > 0:
		if opts.AnchorTZ != "" || opts.AnchorDate != "" {
			return Window{}, errs.Configf("last-hours and anchor options are mutually exclusive")
		}
		end := now().UTC()
		start := end.Add(-time.Duration(opts.LastHours * float64(time.Hour)))
		return check(Window{Start: start, End: end})

	default:
		if opts.Days <= 0 {
			return Window{}, errs.Configf("days must be positive, got %d", opts.Days)
		}
		tzName := opts.AnchorTZ
		if tzName == "" {
			tzName = "UTC"
		}
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return Window{}, errs.Configf("unknown anchor timezone %q", tzName)
		}
		var anchor time.Time
		if opts.AnchorDate != "" {
			anchor, err = time.ParseInLocation("2006-01-02", opts.AnchorDate, loc)
			if err != nil {
				return Window{}, errs.Configf("invalid anchor date %q", opts.AnchorDate)
			}
		} else {
			y, m, d := now().In(loc).Date()
			anchor = time.Date(y, m, d, 0, 0, 0, 0, loc)
		}
		end := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, loc).UTC()
		w := Window{
			Start:      end.AddDate(0, 0, -opts.Days),
			End:        end,
			AnchorDate: anchor.Format("2006-01-02"),
		}
		return check(w)
	}
}

func check(w Window) (Window, error) {
	if !w.Start.Before(w.End) {
		return Window{}, errs.Configf("end must be after start (start=%s end=%s)",
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return w, nil
}

// parseUTC accepts YYYY-MM-DD or RFC 3339. A date-only end bound is advanced
// by one day so the named day is included in the half-open interval.
func parseUTC(s string, isEnd bool) (time.Time, error) {
	if dateOnlyRe.MatchString(s) {
		t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
		if err != nil {
			return time.Time{}, err
		}
		if isEnd {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
