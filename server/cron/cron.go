package cron

import (
	"time"

	"github.com/Daskott/safeguard/server/logger"
	"github.com/go-co-op/gocron"
)

var logg = logger.Component(logger.NewLogger(), "cron", logger.Blue)

// NewCronScheduler returns a scheduler running in the given IANA time zone,
// falling back to UTC when the zone is unknown. Job tags must be unique.
func NewCronScheduler(timeZoneArg string) *gocron.Scheduler {
	timeZone, err := time.LoadLocation(timeZoneArg)
	if err != nil {
		logg.Warnf("unknown time zone %q, using UTC: %v", timeZoneArg, err)
		timeZone = time.UTC
	}

	scheduler := gocron.NewScheduler(timeZone)
	scheduler.TagsUnique()
	return scheduler
}
