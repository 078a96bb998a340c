package logx

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"TRACE", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"Info", zerolog.InfoLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"  info  ", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestZeroValueLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("dropped")
	l.With(String("k", "v")).Error("also dropped")
}

func TestNopLoggerIsNotZero(t *testing.T) {
	t.Parallel()
	l := Nop()
	if l.IsZero() {
		t.Fatal("Nop() is a configured logger, not a zero value")
	}
	l.Warn("discarded")
}

func TestServiceApplySwapsLevel(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "ERROR", Console: false})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at ERROR level")
	}

	svc.Apply(Config{Level: "DEBUG", Console: false})
	if !log.Enabled(LevelDebug) {
		t.Fatal("logger did not pick up the applied level")
	}
}

func TestWithAddsFields(t *testing.T) {
	t.Parallel()
	base := Nop()
	derived := base.With(String("comp", "test"), Int("n", 1))
	if len(derived.fields) != 2 {
		t.Fatalf("fields = %d, want 2", len(derived.fields))
	}
	// The parent is unchanged.
	if len(base.fields) != 0 {
		t.Fatal("With must not mutate the receiver")
	}
}
