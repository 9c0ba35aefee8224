// ABOUTME: OpenTelemetry instruments for the conversation engine, exported in Prometheus format
// ABOUTME: Recorder implements conversation.Metrics; Init wires the meter provider and /metrics handler

package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/2389/clinic-gateway/internal/conversation"
)

const meterName = "github.com/2389/clinic-gateway"

// Attribute keys.
var (
	AttrAction  = attribute.Key("action")
	AttrOutcome = attribute.Key("outcome")
	AttrState   = attribute.Key("state")
	AttrKind    = attribute.Key("kind")
	AttrEvent   = attribute.Key("event")
	AttrStatus  = attribute.Key("status")
)

// Provider is a meter provider with its scrape handler.
type Provider struct {
	Handler  http.Handler
	provider *sdkmetric.MeterProvider
}

// Init creates a meter provider backed by a Prometheus exporter on a
// private registry, installs it as the global provider and returns it.
func Init(ctx context.Context, serviceName string) (*Provider, error) {
	if serviceName == "" {
		serviceName = "clinic-gateway"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return &Provider{
		Handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		provider: provider,
	}, nil
}

// Meter returns the gateway's meter.
func (p *Provider) Meter() metric.Meter {
	return p.provider.Meter(meterName)
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

// Gauges are read at scrape time.
type Gauges struct {
	Subscribers func() int
	Queue       func(ctx context.Context) (map[string]int, error)
}

// Recorder records engine activity. The zero value drops everything.
type Recorder struct {
	transitions metric.Int64Counter
	transfers   metric.Int64Counter
	sweeps      metric.Int64Counter
	publishes   metric.Int64Counter
}

// NewRecorder creates the instruments on meter and registers gauges.
func NewRecorder(meter metric.Meter, gauges Gauges) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.transitions, err = meter.Int64Counter("clinic_transitions",
		metric.WithDescription("Conversation transitions by action and outcome")); err != nil {
		return nil, err
	}
	if r.transfers, err = meter.Int64Counter("clinic_transfers",
		metric.WithDescription("Transfer requests by resulting state")); err != nil {
		return nil, err
	}
	if r.sweeps, err = meter.Int64Counter("clinic_sweep_actions",
		metric.WithDescription("Conversations changed by the lifecycle sweep")); err != nil {
		return nil, err
	}
	if r.publishes, err = meter.Int64Counter("clinic_events_published",
		metric.WithDescription("Real-time events handed to subscribers")); err != nil {
		return nil, err
	}

	subscribers, err := meter.Int64ObservableGauge("clinic_subscribers",
		metric.WithDescription("Live real-time subscribers"))
	if err != nil {
		return nil, err
	}
	queue, err := meter.Int64ObservableGauge("clinic_conversations",
		metric.WithDescription("Conversations by status"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if gauges.Subscribers != nil {
			o.ObserveInt64(subscribers, int64(gauges.Subscribers()))
		}
		if gauges.Queue != nil {
			counts, err := gauges.Queue(ctx)
			if err != nil {
				return err
			}
			for status, n := range counts {
				o.ObserveInt64(queue, int64(n), metric.WithAttributes(AttrStatus.String(status)))
			}
		}
		return nil
	}, subscribers, queue)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recorder) RecordTransition(ctx context.Context, action, outcome string) {
	if r.transitions == nil {
		return
	}
	r.transitions.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(outcome)))
}

func (r *Recorder) RecordTransfer(ctx context.Context, state string) {
	if r.transfers == nil {
		return
	}
	r.transfers.Add(ctx, 1, metric.WithAttributes(AttrState.String(state)))
}

func (r *Recorder) RecordSweep(ctx context.Context, kind string, n int) {
	if r.sweeps == nil || n == 0 {
		return
	}
	r.sweeps.Add(ctx, int64(n), metric.WithAttributes(AttrKind.String(kind)))
}

func (r *Recorder) RecordPublish(ctx context.Context, eventType string, ok bool) {
	if r.publishes == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "dropped"
	}
	r.publishes.Add(ctx, 1, metric.WithAttributes(AttrEvent.String(eventType), AttrOutcome.String(outcome)))
}

var _ conversation.Metrics = (*Recorder)(nil)
