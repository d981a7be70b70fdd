package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

// ============================================================================
// 1. Creation and categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient},
		{"upstream", ErrCodeUpstream, CategoryTransient},
		{"storage", ErrCodeStorage, CategoryTransient},
		{"invalid", ErrCodeInvalidInput, CategoryPermanent},
		{"not_found", ErrCodeNotFound, CategoryPermanent},
		{"capacity", ErrCodeCapacity, CategoryResource},
		{"busy", ErrCodeResourceBusy, CategoryResource},
		{"internal", ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != "msg" {
				t.Errorf("Error() = %q", err.Error())
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeCapacity)
	if err.Error() != "system at capacity" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestUpstreamCarriesComponent(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Upstream("embedder", "embedding failed", cause)

	if err.Component() != "embedder" {
		t.Errorf("Component() = %q", err.Component())
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be in the chain")
	}
	if !err.Retryable() {
		t.Error("upstream errors are retryable")
	}
	if err.Error() != "embedding failed: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestStorageCarriesBackend(t *testing.T) {
	err := Storage("qdrant", "upsert failed", nil)
	if err.Backend() != "qdrant" {
		t.Errorf("Backend() = %q", err.Backend())
	}
	if err.Unwrap() != nil {
		t.Error("nil cause should unwrap to nil")
	}
}

// ============================================================================
// 2. Retry semantics
// ============================================================================

func TestRetryableOverride(t *testing.T) {
	err := InvalidInput("bad", WithRetryable(true))
	if !err.Retryable() {
		t.Error("explicit retryable should win over category")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if !IsRetryable(Capacity("full")) {
		t.Error("capacity errors are retryable")
	}
}

// ============================================================================
// 3. Wrapping
// ============================================================================

func TestWrapPreservesCode(t *testing.T) {
	inner := Storage("bleve", "batch failed", nil)
	outer := Wrap(inner, "summarize_and_store")

	if outer.Code() != ErrCodeStorage {
		t.Errorf("Code() = %v", outer.Code())
	}
	if outer.Backend() != "bleve" {
		t.Errorf("metadata not carried, Backend() = %q", outer.Backend())
	}
	if !Is(outer, ErrCodeStorage) {
		t.Error("Is should find the code")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "x").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline -> %v", got)
	}
	if got := Wrap(context.Canceled, "x").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled -> %v", got)
	}
	if got := Wrap(fmt.Errorf("boom"), "x").Code(); got != ErrCodeInternal {
		t.Errorf("plain -> %v", got)
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("eof"), ErrCodeUpstream, "classifier failed")
	if err.Code() != ErrCodeUpstream {
		t.Errorf("Code() = %v", err.Code())
	}
	if Cause(err).Error() != "eof" {
		t.Errorf("Cause() = %v", Cause(err))
	}
}

func TestAsError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("task abc"))
	if e := AsError(err); e == nil || e.Code() != ErrCodeNotFound {
		t.Errorf("AsError() = %v", e)
	}
	if AsError(fmt.Errorf("plain")) != nil {
		t.Error("plain error should not convert")
	}
}

// ============================================================================
// 4. HTTP mapping
// ============================================================================

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{InvalidInput("x"), http.StatusBadRequest},
		{NotFound("x"), http.StatusNotFound},
		{Capacity("x"), http.StatusServiceUnavailable},
		{Upstream("classifier", "x", nil), http.StatusBadGateway},
		{Storage("qdrant", "x", nil), http.StatusBadGateway},
		{Busy("x"), http.StatusConflict},
		{Internal("x"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
		{Wrap(InvalidInput("x"), "wrapped"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// ============================================================================
// 5. JSON
// ============================================================================

func TestJSONRoundTripKeepsRetryable(t *testing.T) {
	orig := Upstream("summarizer", "timeout", fmt.Errorf("deadline"))
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Error
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Code() != ErrCodeUpstream || decoded.Component() != "summarizer" {
		t.Errorf("decoded = %+v", decoded)
	}
	if !decoded.Retryable() {
		t.Error("retryable lost")
	}
	if decoded.Error() != "timeout: deadline" {
		t.Errorf("Error() = %q", decoded.Error())
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil panic should be nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic || err.Error() != "kaboom" {
		t.Errorf("got %v %q", err.Code(), err.Error())
	}
}
