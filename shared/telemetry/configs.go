package telemetry

// Predefined service configurations
var (
	// CoordinatorServiceConfig is the telemetry configuration for the coordinator service
	CoordinatorServiceConfig = Config{
		ServiceName:    "coordinator-service",
		ServiceVersion: "1.0.0",
	}

	// AdminConfig is used by the operator CLI, which records spans only
	AdminConfig = Config{
		ServiceName:    "coordinator-admin",
		ServiceVersion: "1.0.0",
	}
)

// WithOTLPEndpoint sets the OTLP endpoint for a config
func (c Config) WithOTLPEndpoint(endpoint string) Config {
	c.OTLPEndpoint = endpoint
	return c
}

// WithVersion sets the service version for a config
func (c Config) WithVersion(version string) Config {
	c.ServiceVersion = version
	return c
}
