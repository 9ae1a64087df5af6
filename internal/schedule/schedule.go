// Package schedule computes the next run time for periodic strategies.
package schedule

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"rebalancer/internal/models"
)

// Next returns the first run time strictly after the given instant for the
// cadence. Custom cadences take a five-field cron expression.
func Next(cadence, customExpr string, after time.Time) (time.Time, error) {
	if after.IsZero() {
		after = time.Now().UTC()
	}
	after = after.UTC()

	switch cadence {
	case models.ScheduleDaily:
		return after.Add(24 * time.Hour), nil
	case models.ScheduleWeekly:
		return after.Add(7 * 24 * time.Hour), nil
	case models.ScheduleMonthly:
		return after.AddDate(0, 1, 0), nil
	case models.ScheduleQuarterly:
		return after.AddDate(0, 3, 0), nil
	case models.ScheduleCustom:
		if customExpr == "" {
			return time.Time{}, errors.New("custom cadence requires a cron expression")
		}
		sched, err := cron.ParseStandard(customExpr)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parse cron expression %q", customExpr)
		}
		return sched.Next(after), nil
	default:
		return time.Time{}, errors.Errorf("unknown schedule cadence %q", cadence)
	}
}

// ValidExpr reports whether expr parses as a standard cron expression.
func ValidExpr(expr string) bool {
	_, err := cron.ParseStandard(expr)
	return err == nil
}
