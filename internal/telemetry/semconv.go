package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for chunkbus telemetry, following OpenTelemetry naming: namespace.attribute_name.
const (
	AttrEnvironment = attribute.Key("environment")

	// Pool attributes
	AttrPoolName = attribute.Key("pool.name")
	AttrReason   = attribute.Key("reason")

	// Port attributes
	AttrService  = attribute.Key("service")
	AttrPortKind = attribute.Key("port.kind")

	// Protocol attributes
	AttrMessageType = attribute.Key("message.type")
	AttrResult      = attribute.Key("result")

	// Run attributes
	AttrRunID = attribute.Key("run.id")
)

// Port kind values
const (
	PortKindPublisher  = "publisher"
	PortKindSubscriber = "subscriber"
)

// PoolAttributes returns common attributes for chunk pool metrics.
func PoolAttributes(environment, poolName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrPoolName.String(poolName),
	}
}

// PortAttributes returns common attributes for port metrics.
func PortAttributes(environment, service, portKind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrService.String(service),
		AttrPortKind.String(portKind),
	}
}

// MessageAttributes returns attributes for connection protocol metrics.
func MessageAttributes(environment, messageType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMessageType.String(messageType),
		AttrResult.String(result),
	}
}
