// Package telemetry wires the counters, histograms, and structured logs
// named in spec.md §4.12: requests total, request latency, policy
// violations, signature verifications, transform receipts, outbound hop
// requests/latency, receipt write failures, dynamic reloads.
//
// Grounded directly on the teacher's pkg/observability/observability.go
// (OTLP gRPC trace/metric exporters, RED-pattern metric set, TrackOperation
// start/finish helper), generalized from one fixed request-counter/error-
// counter/duration-histogram triple to the gateway's labeled metric set.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "odin-gateway",
		Environment:  "development",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      false,
		Insecure:     true,
	}
}

// Provider holds every metric the gateway emits.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestsTotal       metric.Int64Counter
	requestLatency      metric.Float64Histogram
	policyViolations    metric.Int64Counter
	signatureVerifications metric.Int64Counter
	transformReceipts   metric.Int64Counter
	hopRequests         metric.Int64Counter
	hopLatency          metric.Float64Histogram
	receiptWriteFailures metric.Int64Counter
	dynamicReloads      metric.Int64Counter
}

// New creates a provider. When cfg.Enabled is false, every recording
// method is a safe no-op (meters are nil-checked).
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{config: cfg, logger: slog.Default().With("component", "telemetry")}
	if !cfg.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("odin.gateway")
	p.meter = otel.Meter("odin.gateway")

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return err
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initMetrics() error {
	var err error
	if p.requestsTotal, err = p.meter.Int64Counter("odin.requests.total", metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.requestLatency, err = p.meter.Float64Histogram("odin.request.duration", metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0)); err != nil {
		return err
	}
	if p.policyViolations, err = p.meter.Int64Counter("odin.policy.violations", metric.WithUnit("{violation}")); err != nil {
		return err
	}
	if p.signatureVerifications, err = p.meter.Int64Counter("odin.signature.verifications", metric.WithUnit("{verification}")); err != nil {
		return err
	}
	if p.transformReceipts, err = p.meter.Int64Counter("odin.transform.receipts", metric.WithUnit("{receipt}")); err != nil {
		return err
	}
	if p.hopRequests, err = p.meter.Int64Counter("odin.bridge.hop_requests", metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.hopLatency, err = p.meter.Float64Histogram("odin.bridge.hop_duration", metric.WithUnit("s")); err != nil {
		return err
	}
	if p.receiptWriteFailures, err = p.meter.Int64Counter("odin.receipt.write_failures", metric.WithUnit("{failure}")); err != nil {
		return err
	}
	if p.dynamicReloads, err = p.meter.Int64Counter("odin.reloads.total", metric.WithUnit("{reload}")); err != nil {
		return err
	}
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) RecordRequest(ctx context.Context, route, method string, status int) {
	if p.requestsTotal == nil {
		return
	}
	p.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}

func (p *Provider) RecordRequestLatency(ctx context.Context, route string, d time.Duration) {
	if p.requestLatency == nil {
		return
	}
	p.requestLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}

func (p *Provider) RecordPolicyViolation(ctx context.Context, rule string) {
	if p.policyViolations == nil {
		return
	}
	p.policyViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

func (p *Provider) RecordSignatureVerification(ctx context.Context, service, outcome string) {
	if p.signatureVerifications == nil {
		return
	}
	p.signatureVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

func (p *Provider) RecordTransformReceipt(ctx context.Context, stage, mapID, storage, outcome string) {
	if p.transformReceipts == nil {
		return
	}
	p.transformReceipts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("map", mapID),
		attribute.String("storage", storage),
		attribute.String("outcome", outcome),
	))
}

func (p *Provider) RecordHopRequest(ctx context.Context, outcome string, d time.Duration) {
	if p.hopRequests != nil {
		p.hopRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if p.hopLatency != nil {
		p.hopLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (p *Provider) RecordReceiptWriteFailure(ctx context.Context, kind string) {
	if p.receiptWriteFailures == nil {
		return
	}
	p.receiptWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (p *Provider) RecordReload(ctx context.Context, target string) {
	if p.dynamicReloads == nil {
		return
	}
	p.dynamicReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target)))
}
