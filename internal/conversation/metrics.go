package conversation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func metricStatus(status string) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", status))
}
