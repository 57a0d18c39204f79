// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tgerr "github.com/tollgate-dev/tollgate/pkg/errors"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := tgerr.New(
		tgerr.CodeStoreEventAppendInvalid,
		"missing tool name",
		tgerr.FieldSessionID("sess-123"),
		tgerr.Field("digest", "sha256:abc"),
	)

	require.Error(t, err)
	assert.Equal(t, tgerr.CodeStoreEventAppendInvalid, tgerr.CodeOf(err))
	assert.True(t, tgerr.HasCode(err, tgerr.CodeStoreEventAppendInvalid))

	fields := tgerr.FieldsOf(err)
	assert.Equal(t, "sess-123", fields["session_id"])
	assert.Equal(t, "sha256:abc", fields["digest"])
}

func TestErrorfWrapsInnerError(t *testing.T) {
	inner := stderrors.New("database is locked")
	err := tgerr.Errorf(tgerr.CodeStoreDatabaseFailure, "append failed: %w", inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, tgerr.CodeStoreDatabaseFailure, tgerr.CodeOf(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, tgerr.Wrap(nil, tgerr.CodeStoreDatabaseFailure, "ignored"))
	assert.NoError(t, tgerr.Wrapf(nil, tgerr.CodeStoreDatabaseFailure, "ignored"))
	assert.NoError(t, tgerr.With(nil))
}

func TestClassifiers(t *testing.T) {
	assert.True(t, tgerr.IsNotFound(tgerr.New(tgerr.CodeStoreEventNotFound, "gone")))
	assert.True(t, tgerr.IsInvalidInput(tgerr.New(tgerr.CodeGatewayInvocationInvalid, "bad")))
	assert.True(t, tgerr.IsTimeout(tgerr.New(tgerr.CodeGatewayDeadlineExceeded, "slow")))
	assert.True(t, tgerr.IsConflict(tgerr.New(tgerr.CodeStoreEventCompleteDone, "done")))
	assert.True(t, tgerr.IsDegraded(tgerr.New(tgerr.CodeStoreWriteExhausted, "gave up")))
	assert.True(t, tgerr.IsDegraded(tgerr.New(tgerr.CodeGatewayDegraded, "fail open")))
	assert.False(t, tgerr.IsNotFound(stderrors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, tgerr.HTTPStatus(tgerr.New(tgerr.CodeStoreSessionNotFound, "x")))
	assert.Equal(t, http.StatusBadRequest, tgerr.HTTPStatus(tgerr.New(tgerr.CodeServerRequestInvalid, "x")))
	assert.Equal(t, http.StatusGatewayTimeout, tgerr.HTTPStatus(tgerr.New(tgerr.CodeGatewayDeadlineExceeded, "x")))
	assert.Equal(t, http.StatusInternalServerError, tgerr.HTTPStatus(stderrors.New("plain")))
}

func TestWithPreservesCode(t *testing.T) {
	err := tgerr.New(tgerr.CodeStoreEventNotFound, "missing")
	err = tgerr.With(err, tgerr.FieldEventID("evt-9"))
	assert.Equal(t, tgerr.CodeStoreEventNotFound, tgerr.CodeOf(err))
	assert.Equal(t, "evt-9", tgerr.FieldsOf(err)["event_id"])
}
