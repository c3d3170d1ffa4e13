package logging

import (
	"testing"

	"github.com/apex/log"
)

func TestSetLevel(t *testing.T) {
	old := Logger.Level
	defer func() { Logger.Level = old }()

	tests := []struct {
		name    string
		want    log.Level
		wantErr bool
	}{
		{"debug", log.DebugLevel, false},
		{"warn", log.WarnLevel, false},
		{"error", log.ErrorLevel, false},
		{"chatty", log.ErrorLevel, true},
	}
	for _, tt := range tests {
		err := SetLevel(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("SetLevel(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if Logger.Level != tt.want {
			t.Errorf("SetLevel(%q) level = %v, want %v", tt.name, Logger.Level, tt.want)
		}
	}
}

func TestSetDebug(t *testing.T) {
	old := Logger.Level
	defer func() { Logger.Level = old }()

	SetDebug(true)
	if Logger.Level != log.DebugLevel {
		t.Errorf("SetDebug(true) level = %v", Logger.Level)
	}
	SetDebug(false)
	if Logger.Level != log.InfoLevel {
		t.Errorf("SetDebug(false) level = %v", Logger.Level)
	}
}
