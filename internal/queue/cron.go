package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a five-field cron pattern (or an @descriptor) and a
// timezone name. An empty timezone means UTC.
func ParseCron(pattern, tz string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron pattern %q: %w", pattern, err)
	}
	return sched, loc, nil
}

// NextFire returns the first fire time of pattern in tz strictly after t.
func NextFire(pattern, tz string, t time.Time) (time.Time, error) {
	sched, loc, err := ParseCron(pattern, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.In(loc)).UTC(), nil
}
