package camerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRendersKind(t *testing.T) {
	err := New(Auth, "connect", "credentials rejected")
	assert.Contains(t, err.Error(), "Auth")
	assert.Contains(t, err.Error(), "connect")

	wrapped := Wrap(Unreachable, "dial", "no route", errors.New("connection refused"))
	assert.Contains(t, wrapped.Error(), "connection refused")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"direct", New(Timeout, "probe", "deadline"), Timeout},
		{"wrapped", fmt.Errorf("outer: %w", New(Storage, "save", "disk full")), Storage},
		{"context canceled", context.Canceled, Cancelled},
		{"context deadline", context.DeadlineExceeded, Timeout},
		{"plain", errors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsKindThroughChain(t *testing.T) {
	inner := New(Auth, "digest", "401 after challenge")
	outer := fmt.Errorf("handler connect: %w", inner)

	assert.True(t, IsKind(outer, Auth))
	assert.False(t, IsKind(outer, Protocol))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(Auth))
	assert.True(t, Terminal(Validation))
	assert.True(t, Terminal(Cancelled))
	assert.False(t, Terminal(Timeout))
	assert.False(t, Terminal(Unreachable))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("tcp reset")
	err := Wrap(Unreachable, "dial", "probe failed", cause)
	assert.ErrorIs(t, err, cause)
}
