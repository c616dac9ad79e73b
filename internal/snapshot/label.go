package snapshot

import (
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Clock supplies the current time. The rotation engine never reads the wall
// clock directly so tests can pin "today".
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now returns the current time
func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the host clock in the host time zone
var SystemClock Clock = ClockFunc(time.Now)

// FixedClock returns a clock that always reports t
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// FormatLabel renders a calendar date as a snapshot label (YYYY-MM-DD)
func FormatLabel(d civil.Date) string {
	return d.String()
}

// ParseLabel parses a snapshot label back into a calendar date
func ParseLabel(label string) (civil.Date, error) {
	d, err := civil.ParseDate(label)
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid snapshot label %q: %w", label, err)
	}
	return d, nil
}

// Name joins a dataset and a label into a fully-qualified snapshot name
func Name(dataset, label string) string {
	return dataset + "@" + label
}

// SplitName splits dataset@label. ok is false when name is not a snapshot name.
func SplitName(name string) (dataset, label string, ok bool) {
	i := strings.LastIndex(name, "@")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// Window is the retention window anchored on one calendar day. All labels a
// run needs are derived from the same Window so a run that crosses midnight
// keeps a consistent view of "today".
type Window struct {
	Today civil.Date
	Keep  int
}

// NewWindow anchors a window on the calendar day of now, in now's location
func NewWindow(now time.Time, keep int) Window {
	return Window{Today: civil.DateOf(now), Keep: keep}
}

// WindowFor anchors a window on the clock's current day in the host time zone
func WindowFor(clock Clock, keep int) Window {
	return NewWindow(clock.Now().In(time.Local), keep)
}

// Current returns today's label
func (w Window) Current() string {
	return FormatLabel(w.Today)
}

// PreviousCandidate returns the label offset days before today
func (w Window) PreviousCandidate(offset int) string {
	return FormatLabel(w.Today.AddDays(-offset))
}

// Candidates lists base candidates nearest first: offsets 1..Keep
func (w Window) Candidates() []string {
	labels := make([]string, 0, w.Keep)
	for offset := 1; offset <= w.Keep; offset++ {
		labels = append(labels, w.PreviousCandidate(offset))
	}
	return labels
}

// OldestLabel returns the prune boundary label, today minus Keep days
func (w Window) OldestLabel() string {
	return w.PreviousCandidate(w.Keep)
}

// Age returns how many calendar days before today label falls.
// ok is false for labels that are not dates.
func (w Window) Age(label string) (days int, ok bool) {
	d, err := ParseLabel(label)
	if err != nil {
		return 0, false
	}
	return w.Today.DaysSince(d), true
}
