package api

import (
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronRun computes a new schedule's first next_run_at, so it's
// immediately visible to the scheduler's DueBefore query instead of
// waiting for some other recompute pass to seed it.
func nextCronRun(expr, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(time.Now().In(loc)), nil
}
