package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// anyToAttribute converts an arbitrary value to an OTel attribute,
// keeping the common types unboxed.
func anyToAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
