package observability

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the tracer used for all spans of this module.
const TracerName = "github.com/georgepadayatti/gopdfsig"

// Span attribute keys.
const (
	AttrOperationID = attribute.Key("gopdfsig.operation.id")
	AttrSubFilter   = attribute.Key("gopdfsig.subfilter")
	AttrStage       = attribute.Key("gopdfsig.stage")
	AttrVerifier    = attribute.Key("gopdfsig.verifier")
	AttrSubject     = attribute.Key("gopdfsig.cert.subject")
	AttrEvidence    = attribute.Key("gopdfsig.evidence.count")
	AttrSignature   = attribute.Key("gopdfsig.signature.name")
	AttrURL         = attribute.Key("gopdfsig.fetch.url")
)

// StartSpan starts a span on the module tracer.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// NewOperationID returns an identifier correlating the log lines and spans
// of one sign or validate operation.
func NewOperationID() string {
	return uuid.NewString()
}
