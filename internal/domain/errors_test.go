package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifySagaError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want SagaErrorKind
	}{
		{name: "nil error", err: nil, want: ""},
		{name: "insufficient stock", err: ErrInsufficientStock, want: SagaErrorInsufficientStock},
		{name: "wrapped dependency", err: fmt.Errorf("reserve: %w", ErrDependencyUnavailable), want: SagaErrorDependencyUnavailable},
		{name: "conflict", err: ErrConcurrentStateConflict, want: SagaErrorConcurrentStateConflict},
		{
			name: "saga error wins",
			err:  &SagaError{Kind: SagaErrorInsufficientStock, Reason: "insufficient stock", Err: ErrDependencyUnavailable},
			want: SagaErrorInsufficientStock,
		},
		{name: "other error", err: errors.New("boom"), want: SagaErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifySagaError(tt.err); got != tt.want {
				t.Errorf("ClassifySagaError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSagaError_Unwrap(t *testing.T) {
	err := &SagaError{Kind: SagaErrorDependencyUnavailable, Reason: "reservation failed", Err: ErrDependencyUnavailable}
	if !IsDependencyUnavailable(err) {
		t.Fatal("expected wrapped dependency error")
	}
	if !strings.Contains(err.Error(), "reservation failed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError(ErrItemsRequired, ErrUserRequired)
	if !IsValidation(fmt.Errorf("create: %w", err)) {
		t.Fatal("expected validation error")
	}
	if !errors.Is(err, ErrItemsRequired) || !errors.Is(err, ErrUserRequired) {
		t.Fatal("expected joined sentinels")
	}

	fieldErr := &ValidationError{Fields: map[string]string{"items[0].quantity": "must be at least 1"}}
	if !strings.Contains(fieldErr.Error(), "items[0].quantity") {
		t.Fatalf("unexpected message %q", fieldErr.Error())
	}
	if IsValidation(ErrOrderNotFound) {
		t.Fatal("not found is not a validation error")
	}
}
