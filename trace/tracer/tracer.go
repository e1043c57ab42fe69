// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package tracer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"github.com/nokia/restful-tracing/trace/idgen"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const unsetFraction = float64(-32.0)

// OtelEnabled tells if OpenTelemetry tracing was activated.
// If OTEL_EXPORTER_OTLP_ENDPOINT or OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set, then tracing is activated automatically.
// You may set OTEL_TRACES_SAMPLER and OTEL_TRACES_SAMPLER_ARG to set the sampling type and fraction.
// You may fine-tune batch exporting parameters with OTEL_BSP_* environment variables.
// See also
//   - https://opentelemetry.io/docs/specs/otel/protocol/exporter/
//   - https://opentelemetry.io/docs/specs/otel/configuration/sdk-environment-variables/
var OtelEnabled = false

// IDGenerator is installed into every tracer provider created by this package.
// Use its Override function to force trace and span IDs of spans started with a given context.
var IDGenerator = idgen.New(nil)

var validate = validator.New()

// Config is the environment based tracing configuration.
type Config struct {
	Endpoint       string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" validate:"omitempty,url"`
	TracesEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" validate:"omitempty,url"`
	ServiceName    string `envconfig:"OTEL_SERVICE_NAME"`
}

// LoadConfig reads tracing configuration from environment variables.
// Endpoints without scheme get one, so that "localhost:4317" is accepted.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if cfg.Endpoint != "" {
		cfg.Endpoint = ensureScheme(cfg.Endpoint)
	}
	if cfg.TracesEndpoint != "" {
		cfg.TracesEndpoint = ensureScheme(cfg.TracesEndpoint)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = filepath.Base(os.Args[0])
	}
	return cfg, cfg.Validate()
}

// Validate checks configuration values.
func (cfg Config) Validate() error {
	return validate.Struct(cfg)
}

// Target returns the collector address to export to. Empty if exporting is not configured.
// Traces specific endpoint takes precedence.
func (cfg Config) Target() string {
	if cfg.TracesEndpoint != "" {
		return cfg.TracesEndpoint
	}
	return cfg.Endpoint
}

func init() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Error("tracing config: ", err)
		return
	}
	target := cfg.Target()
	if target == "" {
		return
	}

	OtelEnabled = true

	if err := setOTelGrpc(cfg.ServiceName, target, unsetFraction); err != nil {
		panic(err)
	}
}

// GetOTel returns if Open Telemetry is enabled.
// It may be enabled automatically if OTEL_ environment variables are set.
func GetOTel() bool {
	return OtelEnabled
}

// NewTracerProvider creates a tracer provider that uses IDGenerator.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(append(opts, sdktrace.WithIDGenerator(IDGenerator))...)
}

// SetOTel enables/disables Open Telemetry.
// Tracer provider can be set with an exporter and collector endpoint you need.
// If tp is nil, then a provider without exporter is created, still generating IDs by IDGenerator.
func SetOTel(enabled bool, tp *sdktrace.TracerProvider) {
	OtelEnabled = enabled

	if enabled {
		if tp == nil {
			tp = NewTracerProvider()
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, b3.New(), b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader))))
	} else {
		otel.SetTracerProvider(NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample())))
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	}
}

func ensureScheme(target string) string {
	if strings.Contains(target, "://") {
		return target
	}

	// Add something. The exact scheme (grpc, https, http or even dns) is not important, it seems.
	return "http://" + target
}

// SetOTelGrpc enables Open Telemetry.
// Activates trace export to the OTLP gRPC collector target address defined.
// Port is 4317, unless defined otherwise in provided target string.
// E.g. "http://localhost:4317".
//
// Fraction tells the fraction of spans to report, unless the parent is sampled.
//   - Zero means no sampling.
//   - Greater or equal 1 means sampling all the messages.
//   - Else the sampling fraction, e.g. 0.01 for 1%.
func SetOTelGrpc(target string, fraction float64) error {
	return setOTelGrpc(filepath.Base(os.Args[0]), target, fraction)
}

func setOTelGrpc(serviceName, target string, fraction float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return err
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpointURL(ensureScheme(target)))
	if err != nil {
		return err
	}

	batchSpanProcessor := sdktrace.NewBatchSpanProcessor(exporter)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(batchSpanProcessor),
	}
	if fraction != unsetFraction { // Else env vars OTEL_TRACES_SAMPLER(_ARG) apply.
		opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))))
	}

	SetOTel(true, NewTracerProvider(opts...))
	log.Debugf("OTel export to %s as %s", target, serviceName)
	return nil
}
