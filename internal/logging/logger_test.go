package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestInitLogger tests level parsing, with unknown values falling back to
// errors only
func TestInitLogger(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	tests := []struct {
		level string
		want  log.Level
	}{
		{"trace", log.TraceLevel},
		{"DEBUG", log.DebugLevel},
		{"info", log.InfoLevel},
		{"warn", log.WarnLevel},
		{"warning", log.WarnLevel},
		{"", log.ErrorLevel},
		{"verbose", log.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			InitLogger(tt.level)
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

// TestInitFromEnv tests reading LOG_LEVEL
func TestInitFromEnv(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	t.Setenv("LOG_LEVEL", "debug")
	InitFromEnv()
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}
