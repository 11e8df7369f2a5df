package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "defaults", want: zapcore.InfoLevel},
		{name: "json debug", level: "debug", format: "json", want: zapcore.DebugLevel},
		{name: "console warn", level: "WARN", format: "console", want: zapcore.WarnLevel},
		{name: "bad level", level: "loud", wantErr: true},
		{name: "bad format", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(tt.want) {
				t.Errorf("level %v not enabled", tt.want)
			}
			if tt.want > zapcore.DebugLevel && logger.Core().Enabled(tt.want-1) {
				t.Errorf("level below %v enabled", tt.want)
			}
		})
	}
}
