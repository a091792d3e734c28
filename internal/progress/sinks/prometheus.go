package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmarchant/webextract/internal/progress"
)

// PrometheusSink exports pipeline progress metrics. It owns collectors
// for runs started/completed and per-stage transition counts.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageEvents   *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided
// registry. A nil registry uses the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webextract_runs_started_total",
			Help: "Total pipeline runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webextract_runs_completed_total",
			Help: "Total pipeline runs completed partitioned by result.",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webextract_run_duration_seconds",
			Help:    "Wall time per completed pipeline run.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webextract_stage_transitions_total",
			Help: "State machine transitions partitioned by stage.",
		}, []string{"stage"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.stageEvents,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume implements progress.Sink. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.stageEvents.WithLabelValues(string(evt.Stage)).Inc()
		switch evt.Stage {
		case progress.StageAcquiring:
			s.runsStarted.Inc()
		case progress.StageDone:
			s.runsCompleted.WithLabelValues("success").Inc()
			s.observeDuration(evt, "success")
		case progress.StageFailed:
			s.runsCompleted.WithLabelValues("error").Inc()
			s.observeDuration(evt, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) observeDuration(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error { return nil }
