package telemetry

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
)

// Schedule runs a Validator's RunSuite on a cron expression, in addition to
// on-demand RunSuite/ValidateMV calls. Off by default --
// callers opt in by starting one.
type Schedule struct {
	cron *cron.Cron
	v    *Validator
}

// NewSchedule parses spec (standard five-field cron syntax) and registers
// v.RunSuite against it. The schedule does not run until Start is called.
func NewSchedule(v *Validator, spec string) (*Schedule, error) {
	c := cron.New()
	s := &Schedule{cron: c, v: v}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, errors.NewInputError("invalid validator cron schedule: " + err.Error())
	}
	return s, nil
}

func (s *Schedule) tick() {
	ctx := context.Background()
	_, _ = s.v.RunSuite(ctx)
}

// Start begins running the schedule in the background.
func (s *Schedule) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *Schedule) Stop() { <-s.cron.Stop().Done() }
