package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const exportInterval = 10 * time.Second

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics holds the lifecycle counters pushed over OTLP. Prometheus scraping
// goes through HTTPMetrics and ProvisioningMetrics instead.
type Metrics struct {
	webhookEvents     metric.Int64Counter
	provisioningRuns  metric.Int64Counter
	cancellations     metric.Int64Counter
	subscriptionSweep metric.Int64Counter
}

// NewProvider installs the global meter provider. Without an exporter it is a noop.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName(cfg)),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.StopHook(provider.Shutdown))
	}
	if log != nil {
		log.Info("metrics export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New registers the lifecycle counters on the given provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))
	m := &Metrics{}

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&m.webhookEvents, "minipass_webhook_events_total", "Gateway webhook deliveries by event type and outcome."},
		{&m.provisioningRuns, "minipass_provisioning_runs_total", "Finished provisioning attempts by tier and outcome."},
		{&m.cancellations, "minipass_cancellations_total", "Self-service cancellation attempts by outcome."},
		{&m.subscriptionSweep, "minipass_subscription_sweep_total", "Customers handled by the expiry sweep."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("{event}"))
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// RecordWebhookEvent counts inbound gateway events by type and handling outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.webhookEvents, 1,
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
}

func (m *Metrics) RecordProvisioningRun(ctx context.Context, tier, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.provisioningRuns, 1, attribute.String("tier", tier), attribute.String("outcome", outcome))
}

func (m *Metrics) RecordCancellation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	add(ctx, m.cancellations, 1, attribute.String("outcome", outcome))
}

// RecordSweep adds count customers under outcome; zero counts are skipped.
func (m *Metrics) RecordSweep(ctx context.Context, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	add(ctx, m.subscriptionSweep, int64(count), attribute.String("outcome", outcome))
}

func add(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	for i, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			attrs[i] = attribute.String(string(attr.Key), strings.TrimSpace(attr.Value.AsString()))
		}
	}
	counter.Add(ctx, n, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "minipass"
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Subdomains and customer ids never become labels; one series per customer
// would swamp the collector.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"tier":        {},
	"outcome":     {},
	"endpoint":    {},
	"method":      {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
	"step":        {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; ok {
			filtered = append(filtered, attr)
		}
	}
	return filtered
}
