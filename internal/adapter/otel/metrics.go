package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "clawtrol"

// Metrics holds all control plane metric instruments.
type Metrics struct {
	SpawnsStarted   metric.Int64Counter
	SpawnsSucceeded metric.Int64Counter
	SpawnsFailed    metric.Int64Counter
	RulesMatched    metric.Int64Counter
	EnrichmentRuns  metric.Int64Counter
	TaskHumanCost   metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SpawnsStarted, err = meter.Int64Counter("clawtrol.spawns.started",
		metric.WithDescription("Number of remote sessions spawned"))
	if err != nil {
		return nil, err
	}

	m.SpawnsSucceeded, err = meter.Int64Counter("clawtrol.spawns.succeeded",
		metric.WithDescription("Number of spawn attempts that returned a session key"))
	if err != nil {
		return nil, err
	}

	m.SpawnsFailed, err = meter.Int64Counter("clawtrol.spawns.failed",
		metric.WithDescription("Number of spawn attempts that failed"))
	if err != nil {
		return nil, err
	}

	m.RulesMatched, err = meter.Int64Counter("clawtrol.rules.matched",
		metric.WithDescription("Number of rule matches during evaluation"))
	if err != nil {
		return nil, err
	}

	m.EnrichmentRuns, err = meter.Int64Counter("clawtrol.enrichment.runs",
		metric.WithDescription("Number of completed-task enrichment passes"))
	if err != nil {
		return nil, err
	}

	m.TaskHumanCost, err = meter.Float64Histogram("clawtrol.task.human_cost_usd",
		metric.WithDescription("Estimated human-equivalent cost per completed task"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
