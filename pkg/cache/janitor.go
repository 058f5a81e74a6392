package cache

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Janitor periodically purges expired entries from a store.
type Janitor struct {
	cron *cron.Cron
}

// StartJanitor schedules Purge on the given cron spec (e.g. "@every 5m").
// Stores that do not implement Inspector, or an empty spec, yield a no-op
// Janitor.
func StartJanitor(store Store, spec string, log logrus.FieldLogger) (*Janitor, error) {
	insp, ok := store.(Inspector)
	if !ok || spec == "" {
		return &Janitor{}, nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := insp.Purge(context.Background())
		if err != nil {
			log.WithError(err).Warn("cache purge failed")
			return
		}
		if n > 0 {
			log.WithField("removed", n).Debug("purged expired cache entries")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cache purge %q: %w", spec, err)
	}
	c.Start()
	return &Janitor{cron: c}, nil
}

// Stop halts the schedule and waits for a running purge to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
