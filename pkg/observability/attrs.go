// Package observability — Pulse-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pulse semantic convention attributes, shared by spans and metrics.
var (
	// Tenancy attributes
	AttrTenantID = attribute.Key("pulse.tenant.id")
	AttrDeviceID = attribute.Key("pulse.device.id")
	AttrSiteID   = attribute.Key("pulse.site.id")

	// Ingest attributes
	AttrMsgType      = attribute.Key("pulse.msg.type")
	AttrRejectReason = attribute.Key("pulse.reject.reason")

	// Alert attributes
	AttrAlertType   = attribute.Key("pulse.alert.type")
	AttrAlertStatus = attribute.Key("pulse.alert.status")
	AttrRuleType    = attribute.Key("pulse.rule.type")
	AttrSeverity    = attribute.Key("pulse.alert.severity")

	// Delivery attributes
	AttrIntegrationKind = attribute.Key("pulse.integration.kind")
	AttrDeliveryEvent   = attribute.Key("pulse.delivery.event")
	AttrJobStatus       = attribute.Key("pulse.job.status")
)

// IngestOperation creates attributes for one inbound message.
func IngestOperation(tenantID, deviceID, msgType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrDeviceID.String(deviceID),
		AttrMsgType.String(msgType),
	}
}

// AlertOperation creates attributes for an alert lifecycle step.
func AlertOperation(tenantID, alertType, status string, severity int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrAlertType.String(alertType),
		AttrAlertStatus.String(status),
		AttrSeverity.Int(severity),
	}
}

// DeliveryOperation creates attributes for one delivery dispatch.
func DeliveryOperation(tenantID, kind, event string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrIntegrationKind.String(kind),
		AttrDeliveryEvent.String(event),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
