package otel

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const ServiceName = "busjourneys"

// Version is set at build time:
// go build -ldflags="-X busjourneys/pkg/otel.Version=1.2.3"
var Version = "dev"

// instanceID prefers OTEL_SERVICE_INSTANCE_ID, then the hostname.
func instanceID() string {
	if id := os.Getenv("OTEL_SERVICE_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("%s-%d", ServiceName, os.Getpid())
}

// NewResource describes this process to both the trace and meter providers.
// OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES are honoured.
func NewResource() (*resource.Resource, error) {
	namespace := os.Getenv("OTEL_SERVICE_NAMESPACE")
	if namespace == "" {
		namespace = ServiceName
	}
	environment := os.Getenv("OTEL_DEPLOYMENT_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	return resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(Version),
			semconv.ServiceNamespace(namespace),
			semconv.ServiceInstanceID(instanceID()),
			semconv.DeploymentEnvironment(environment),
			semconv.ProcessRuntimeName("go"),
			semconv.ProcessRuntimeVersion(runtime.Version()),
		),
	)
}
