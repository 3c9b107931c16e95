package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotAvailable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: fmt.Errorf("fetch_messages: %w", ErrNotAuthorized), want: true},
		{err: fmt.Errorf("GET /x: %w", ErrNotFound), want: true},
		{err: fmt.Errorf("append_message: %w: %w", ErrTransientIO, errors.New("disk I/O error")), want: false},
		{err: ErrInvalidInput, want: false},
		{err: nil, want: false},
	}
	for _, tc := range tests {
		if got := IsNotAvailable(tc.err); got != tc.want {
			t.Fatalf("IsNotAvailable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
