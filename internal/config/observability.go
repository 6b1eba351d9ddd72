package config

// TracingConfig holds OTLP trace export settings. Tracing is off unless
// Enabled is set; spans then go to the collector at Endpoint over HTTP.
type TracingConfig struct {
	// Enabled turns trace export on.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Endpoint is the OTLP/HTTP collector endpoint (default: localhost:4318).
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment tags spans with the deployment environment (default: dev).
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName identifies this service in traces (default: paperbase).
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
