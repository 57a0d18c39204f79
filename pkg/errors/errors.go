// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

// Package errors provides structured, coded errors for tollgate built on
// samber/oops. Every error carries a machine-readable Code and optional
// key/value fields for logging and HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeStoreEventNotFound        Code = "store.event.get.not_found"
	CodeStoreEventAppendInvalid   Code = "store.event.append.invalid_input"
	CodeStoreEventCompleteInvalid Code = "store.event.complete.invalid_input"
	CodeStoreEventCompleteDone    Code = "store.event.complete.conflict"
	CodeStoreSessionNotFound      Code = "store.session.get.not_found"
	CodeStoreSessionInvalid       Code = "store.session.invalid_input"
	CodeStoreTraceQueryFailure    Code = "store.trace.query.failure"
	CodeStoreDatabaseFailure      Code = "store.database.failure"
	CodeStoreWriteExhausted       Code = "store.write.retries_exhausted"
	CodeStoreBackendUnsupported   Code = "store.backend.unsupported"
	CodeStoreInvalidInput         Code = "store.invalid_input"

	CodeConfigLoadFailure          Code = "config.load.failure"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodePolicyLoadFailure      Code = "policy.load.failure"
	CodePolicyValidateInvalid  Code = "policy.validate.invalid_value"
	CodePolicyStateUnavailable Code = "policy.state.unavailable"

	CodeResolveDescriptorInvalid Code = "resolve.descriptor.invalid_input"
	CodeResolveBackendFailure    Code = "resolve.backend.failure"

	CodeGatewayInvocationInvalid Code = "gateway.invocation.invalid_input"
	CodeGatewayDeadlineExceeded  Code = "gateway.ingest.timeout"
	CodeGatewayDegraded          Code = "gateway.ingest.degraded"

	CodeServerRequestInvalid  Code = "server.request.invalid"
	CodeServerEntityNotFound  Code = "server.entity.not_found"
	CodeServerInternalFailure Code = "server.internal.failure"
	CodeServerStartFailure    Code = "server.start.failure"
	CodeServerShutdownFailure Code = "server.shutdown.failure"

	CodeCLIGatewayNotRunning Code = "cli.gateway.not_running"
	CodeCLIRequestFailure    Code = "cli.request.failure"
	CodeCLIResponseInvalid   Code = "cli.response.invalid"
	CodeCLIInputInvalid      Code = "cli.input.invalid"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldSessionID(value string) Attr {
	return Field("session_id", value)
}

func FieldEventID(value string) Attr {
	return Field("event_id", value)
}

func FieldTool(value string) Attr {
	return Field("tool", value)
}

func FieldRule(value string) Attr {
	return Field("rule", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeServerInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value"
}

func IsTimeout(err error) bool {
	return reason(CodeOf(err)) == "timeout"
}

// IsDegraded reports whether err signals a fail-open degradation rather than
// a hard failure of the caller's action.
func IsDegraded(err error) bool {
	r := reason(CodeOf(err))
	return r == "degraded" || r == "retries_exhausted" || r == "unavailable"
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	return oops.Code(CodeServerInternalFailure).Wrap(stderrors.Join(errs...))
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
