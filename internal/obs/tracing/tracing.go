/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ignitiond/ignitiond/internal/config"
)

// ServiceName is the OTel service.name attribute for ignitiond.
const ServiceName = "ignitiond"

// Setup initializes OpenTelemetry tracing from the given config. It always
// returns a shutdown function; when tracing is disabled it installs a
// no-op tracer provider so instrumented call sites never need a nil check.
func Setup(ctx context.Context, cfg config.TracingConfig, version string) (func(), error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(cfg.SamplingRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

// Attribute keys used across reconcile, machine and job spans.
var (
	AttrTenant       = attribute.Key("tenant")
	AttrResourceKind = attribute.Key("resource.kind")
	AttrResourceNS   = attribute.Key("resource.namespace")
	AttrResourceName = attribute.Key("resource.name")
	AttrMachineID    = attribute.Key("machine.id")
	AttrJobKey       = attribute.Key("job.key")
	AttrOutcome      = attribute.Key("outcome")
)

// Span names for the reconcile and machine lifecycle operations.
const (
	SpanReconcile   = "controller.reconcile"
	SpanMachineBoot = "machine.boot"
	SpanMachineStop = "machine.stop"
	SpanSuspend     = "machine.suspend"
	SpanResume      = "machine.resume"
	SpanJobRun      = "job.run"
)

// StartReconcileSpan starts a span for a single reconcile invocation.
func StartReconcileSpan(ctx context.Context, controller, tenant, kind, namespace, name string) (context.Context, otrace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, SpanReconcile,
		otrace.WithAttributes(
			attribute.String("controller", controller),
			AttrTenant.String(tenant),
			AttrResourceKind.String(kind),
			AttrResourceNS.String(namespace),
			AttrResourceName.String(name),
		),
	)
}

// StartReconcileSpanForKey starts a reconcile span when only the flat
// resource key string is available (the scheduler's dispatch loop does
// not decompose it back into tenant/kind/namespace/name).
func StartReconcileSpanForKey(ctx context.Context, controller, key string) (context.Context, otrace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, SpanReconcile,
		otrace.WithAttributes(
			attribute.String("controller", controller),
			attribute.String("key", key),
		),
	)
}

// StartMachineSpan starts a span for a lifecycle transition on machineID.
func StartMachineSpan(ctx context.Context, name, machineID string) (context.Context, otrace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, name, otrace.WithAttributes(AttrMachineID.String(machineID)))
}

// StartJobSpan starts a span for a background job run.
func StartJobSpan(ctx context.Context, jobKey string) (context.Context, otrace.Span) {
	return otel.Tracer(ServiceName).Start(ctx, SpanJobRun, otrace.WithAttributes(AttrJobKey.String(jobKey)))
}

// RecordOutcome tags the current span with an outcome and, if non-nil,
// records the error on it.
func RecordOutcome(span otrace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
	}
}
