package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		enabled zapcore.Level
		wantErr bool
	}{
		{level: "debug", format: "console", enabled: zapcore.DebugLevel},
		{level: "INFO", format: "json", enabled: zapcore.InfoLevel},
		{level: "warn", format: "", enabled: zapcore.WarnLevel},
		{level: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("level %s not enabled", tt.enabled)
			}
			if tt.enabled > zapcore.DebugLevel && logger.Core().Enabled(tt.enabled-1) {
				t.Errorf("level below %s enabled", tt.enabled)
			}
		})
	}
}

func TestNamed_NilParent(t *testing.T) {
	if Named(nil, "graph") == nil {
		t.Fatal("expected a nop logger")
	}
}
