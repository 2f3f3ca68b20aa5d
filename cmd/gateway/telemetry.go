package main

import (
	"fmt"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	msdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/yourusername/chatgate/config"
)

const meterName = "github.com/yourusername/chatgate"

// newMeterProvider builds the SDK meter provider behind the rate limit
// counters. With an export interval set, collected counters are written
// to stderr as JSON on that period.
func newMeterProvider(cfg config.TelemetryConfig) (*msdk.MeterProvider, error) {
	opts := []msdk.Option{
		msdk.WithResource(resource.NewSchemaless(attribute.String("service.name", "chatgate"))),
	}

	if cfg.ExportInterval > 0 {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		opts = append(opts, msdk.WithReader(msdk.NewPeriodicReader(exporter, msdk.WithInterval(cfg.ExportInterval))))
	}

	return msdk.NewMeterProvider(opts...), nil
}
