// Package telemetry sets up the OpenTelemetry SDK. Exported spans and metrics
// carry a resource naming the model, the API host, the agent team and the
// entry point. When disabled, the global providers stay noop and nothing
// connects to a collector.
package telemetry
