package logging

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecret_String(t *testing.T) {
	t.Parallel()
	s := Secret("ck_live_abcdef123456")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))
}

func TestRedact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		secrets []string
		want    string
	}{
		{
			name:    "single secret",
			input:   "token is ck_live_secret123",
			secrets: []string{"ck_live_secret123"},
			want:    "token is [REDACTED]",
		},
		{
			name:    "multiple secrets",
			input:   "old=alpha-secret new=beta-secret",
			secrets: []string{"alpha-secret", "beta-secret"},
			want:    "old=[REDACTED] new=[REDACTED]",
		},
		{
			name:    "trivial values ignored",
			input:   "the key is abc",
			secrets: []string{"abc", "the"},
			want:    "the key is abc",
		},
		{
			name:    "no secrets",
			input:   "nothing sensitive here",
			secrets: nil,
			want:    "nothing sensitive here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Redact(tt.input, tt.secrets))
		})
	}
}

func TestLogger_DebugSuppressed(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(false, true)
	l.out = &buf

	l.Debug("should not appear")
	assert.Empty(t, buf.String())

	l.debug = true
	l.Debug("now visible: %d", 42)
	assert.Contains(t, buf.String(), "[DEBUG] now visible: 42")
}

func TestLogger_NoColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	l := New(false, true)
	l.out = &buf

	l.Info("rotated %s", "cert-prod")
	l.Warn("near expiry")
	l.Error("conflict")

	out := buf.String()
	assert.Contains(t, out, "✓ rotated cert-prod")
	assert.Contains(t, out, "⚠ near expiry")
	assert.Contains(t, out, "✗ conflict")
	assert.NotContains(t, out, "\033[")
}
