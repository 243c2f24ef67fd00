package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		env     string
		verbose bool
		debug   bool
	}{
		{env: "production"},
		{env: "development"},
		{env: "production", verbose: true, debug: true},
	}
	for _, tt := range tests {
		log, err := New(tt.env, tt.verbose)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", tt.env, err)
		}
		if got := log.Core().Enabled(zapcore.DebugLevel); got != tt.debug {
			t.Errorf("New(%q, %v) debug enabled = %v, want %v", tt.env, tt.verbose, got, tt.debug)
		}
	}
}
