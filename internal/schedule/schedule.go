package schedule

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler triggers rebalance runs on a cron expression. Overlap
// protection lives in the pipeline, not here; a tick that lands while a
// run is active simply gets ErrRunActive and is dropped.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Scheduler {
	l := log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{l}),
		)),
		log: l,
	}
}

// Add registers a job on the standard 5-field cron spec.
func (s *Scheduler) Add(spec string, job func()) error {
	_, err := s.cron.AddFunc(spec, job)
	if err == nil {
		s.log.Info().Str("spec", spec).Msg("schedule registered")
	}
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and returns a context that completes when any
// running job callback has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// cronLogger adapts zerolog to the cron library's logging interface.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Info().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
