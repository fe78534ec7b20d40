package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/orrn/printsync/internal/config"
)

func TestNew(t *testing.T) {
	log := New(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)

	log = New(config.LoggingConfig{})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want logrus.Level
	}{
		{"", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{" ERROR ", logrus.ErrorLevel},
		{"verbose", logrus.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.raw))
		})
	}
}
