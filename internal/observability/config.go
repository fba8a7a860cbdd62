package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/minipass/internal/config"
)

const (
	RoleControlPlane = "control-plane"
	RoleInstance     = "instance"
)

// Config is the observability view of the process: who is emitting, and where to.
type Config struct {
	ServiceName string
	Role        string
	Subdomain   string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig derives the observability settings. A process with an instance
// subdomain is a customer container and reports under its own role.
func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: strings.TrimSpace(cfg.AppName),
		Role:        RoleControlPlane,
		Subdomain:   cfg.Instance.Subdomain,
		Environment: strings.TrimSpace(cfg.Environment),
		Version:     strings.TrimSpace(cfg.AppVersion),

		LogLevel:  lowerEnv("LOG_LEVEL", "info"),
		LogFormat: lowerEnv("LOG_FORMAT", "json"),

		OtelEnabled:          boolEnv("OTEL_ENABLED", cfg.IsProduction()),
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: lowerEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"),
		OtelSamplingRatio:    floatEnv("OTEL_SAMPLING_RATIO", 0.1),
	}

	if out.ServiceName == "" {
		out.ServiceName = "minipass"
	}
	if out.Subdomain != "" {
		out.Role = RoleInstance
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		out.OtelExporterEndpoint = endpoint
	}
	if protocol := lowerEnv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); protocol != "" {
		out.OtelExporterProtocol = protocol
	}
	if out.OtelSamplingRatio < 0 || out.OtelSamplingRatio > 1 {
		out.OtelSamplingRatio = 0.1
	}
	return out
}

// Debug is true for debug level logging or any non-production style environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// ServiceInstance is the otel service name: instances report as "<service>-instance".
func (c Config) ServiceInstance() string {
	if c.Role == RoleInstance {
		return c.ServiceName + "-" + RoleInstance
	}
	return c.ServiceName
}

func lowerEnv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return strings.ToLower(value)
	}
	return def
}

func boolEnv(key string, def bool) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return value
}

func floatEnv(key string, def float64) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return value
}
