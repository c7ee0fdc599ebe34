package warden

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	requeued  metric.Int64Counter
	timedOut  metric.Int64Counter
	inflight  metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (instruments, error) {
	var (
		in  instruments
		err error
	)
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("1"))
		if err != nil {
			err = fmt.Errorf("create %s: %w", name, err)
		}
		return c
	}
	in.submitted = counter("warden.tasks.submitted", "Tasks accepted by AssignTask")
	in.completed = counter("warden.tasks.completed", "Tasks that reached Completed")
	in.failed = counter("warden.tasks.failed", "Tasks that reached Failed")
	in.requeued = counter("warden.tasks.requeued", "Failed attempts put back on the queue")
	in.timedOut = counter("warden.tasks.timed_out", "Attempts reclaimed after the deadline")
	if err != nil {
		return instruments{}, err
	}
	in.inflight, err = m.Int64UpDownCounter("warden.tasks.in_flight",
		metric.WithDescription("Tasks currently InProgress"),
		metric.WithUnit("1"))
	if err != nil {
		return instruments{}, fmt.Errorf("create warden.tasks.in_flight: %w", err)
	}
	return in, nil
}
