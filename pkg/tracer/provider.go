package tracer

import (
	"context"
	"fmt"
	"io"

	"github.com/stleox/seespan/pkg/config"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

func serviceResource(serviceName string) *resource.Resource {
	return resource.NewSchemaless(semconv.ServiceName(serviceName))
}

func InitGRPCExporter(shutdownCtx context.Context, endpoint string, insecure bool, serviceName string) (*sdktr.TracerProvider, error) {
	opts := make([]otlptracegrpc.Option, 0)
	if endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(shutdownCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC exporter: %w", err)
	}

	return sdktr.NewTracerProvider(
		sdktr.WithBatcher(exporter),
		sdktr.WithResource(serviceResource(serviceName))), nil
}

func InitStdoutExporter(w io.Writer, serviceName string) (*sdktr.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}

	return sdktr.NewTracerProvider(
		sdktr.WithBatcher(exporter),
		sdktr.WithResource(serviceResource(serviceName))), nil
}

// InitDummyExporter records nothing; spans are still built and ended.
func InitDummyExporter() *sdktr.TracerProvider {
	return sdktr.NewTracerProvider(
		sdktr.WithResource(resource.NewSchemaless(attr.Bool("debug", true))),
	)
}

// NewProvider builds the tracer provider selected by cfg.Exporter.
func NewProvider(ctx context.Context, cfg *config.Config, stdout io.Writer) (*sdktr.TracerProvider, error) {
	switch cfg.Exporter {
	case config.ExporterOTLP:
		return InitGRPCExporter(ctx, cfg.OTLPEndpoint, cfg.OTLPInsecure, cfg.ServiceName)
	case config.ExporterStdout:
		return InitStdoutExporter(stdout, cfg.ServiceName)
	case config.ExporterNone:
		return InitDummyExporter(), nil
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}
