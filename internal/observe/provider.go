package observe

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK provider.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "earshot".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// MetricsAddr, when non-empty, starts an HTTP listener serving the
	// Prometheus /metrics endpoint (e.g. ":9091").
	MetricsAddr string

	// RegisterRoutes, when set, adds extra routes (health probes) to the
	// metrics listener's mux.
	RegisterRoutes func(*http.ServeMux)
}

// InitProvider initialises the OTel SDK with a Prometheus exporter and
// registers it as the global meter provider. When cfg.MetricsAddr is set, a
// /metrics HTTP listener is started as well.
//
// Returns a shutdown function that flushes the exporter and stops the
// listener. Call it in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "earshot"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if cfg.RegisterRoutes != nil {
			cfg.RegisterRoutes(mux)
		}
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go srv.ListenAndServe()
	}

	shutdown = func(ctx context.Context) error {
		if srv != nil {
			srv.Shutdown(ctx)
		}
		return mp.Shutdown(ctx)
	}
	return shutdown, nil
}
