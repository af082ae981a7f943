package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/linkguard/linkguard/internal/store"
)

// convertToLogRecord turns an audited verdict into an OTEL log record.
func convertToLogRecord(rec store.Record) otellog.Record {
	var out otellog.Record
	out.SetTimestamp(rec.Timestamp)
	out.SetObservedTimestamp(rec.Timestamp)
	out.SetBody(otellog.StringValue(recordBody(rec)))
	sev := recordSeverity(rec)
	out.SetSeverity(sev)
	out.SetSeverityText(sev.String())
	out.AddAttributes(recordAttributes(rec)...)
	return out
}

func recordBody(rec store.Record) string {
	if rec.Risk != "" {
		return fmt.Sprintf("%s %s: %s [%s]", rec.Kind, rec.Host, rec.Label, rec.Risk)
	}
	return fmt.Sprintf("%s %s: %s", rec.Kind, rec.Host, rec.Label)
}

func recordSeverity(rec store.Record) otellog.Severity {
	switch rec.Risk {
	case "malicious", "high_risk":
		return otellog.SeverityError
	case "suspicious", "medium_risk":
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}

func recordAttributes(rec store.Record) []otellog.KeyValue {
	attrs := []otellog.KeyValue{
		otellog.String(string(semconv.URLFullKey), rec.URL),
		otellog.String(string(semconv.ServerAddressKey), rec.Host),
		otellog.String("linkguard.verdict.id", rec.ID),
		otellog.String("linkguard.verdict.kind", rec.Kind),
		otellog.String("linkguard.verdict.label", rec.Label),
		otellog.Float64("linkguard.verdict.score", rec.Score),
		otellog.Int("linkguard.verdict.failures", rec.Failures),
	}
	if rec.Risk != "" {
		attrs = append(attrs, otellog.String("linkguard.verdict.risk", rec.Risk))
	}
	return attrs
}

// BuildResource returns a Resource naming the service, plus extra
// attributes.
func BuildResource(serviceName, version string, extra map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if version != "" {
		kvs = append(kvs, semconv.ServiceVersion(version))
	}
	for k, v := range extra {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
