package otel

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType classifies a failure recorded on a span. It becomes the
// error.type attribute of the span's exception event.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeHTTP       ErrorType = "http"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeStore covers database reads and writes.
	ErrorTypeStore ErrorType = "store"
	// ErrorTypePublish covers report and archive uploads.
	ErrorTypePublish ErrorType = "publish"
)

const (
	errorTypeKey      = attribute.Key("error.type")
	errorTransientKey = attribute.Key("error.transient")
)

// RecordError marks span as failed with err. transient says whether the same
// call could succeed on retry; a cancelled or timed out context always is.
// A nil err is ignored.
func RecordError(span trace.Span, err error, errorType ErrorType, transient bool) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		transient = true
	}
	span.RecordError(err, trace.WithAttributes(
		errorTypeKey.String(string(errorType)),
		errorTransientKey.Bool(transient),
	))
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOk sets the span status to Ok.
func SetSpanOk(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
