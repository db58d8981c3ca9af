// Package window resolves the daily batch window from an instant and a
// civil timezone.
package window

import (
	"fmt"
	"time"

	"github.com/hrfmtzk/mail-digest/model"
)

// Resolve computes the previous civil day in the named timezone as a
// half-open instant range [start, end). It is a pure function of its
// arguments: "yesterday" relative to now in zone, where a day may span
// 23 to 25 real hours across DST transitions.
func Resolve(now time.Time, timezone string) (model.RunWindow, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return model.RunWindow{}, model.FatalErr(model.FailInvalidTimezone, fmt.Errorf("load location %q: %w", timezone, err))
	}

	local := now.In(loc)
	year, month, day := local.Date()
	end := time.Date(year, month, day, 0, 0, 0, 0, loc)
	// AddDate moves by civil days, so the start lands on the previous
	// midnight even when the day in between is 23 or 25 hours long.
	start := end.AddDate(0, 0, -1)

	return model.RunWindow{Start: start.UTC(), End: end.UTC()}, nil
}
