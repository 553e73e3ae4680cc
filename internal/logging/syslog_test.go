package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	assert.False(t, cfg.Enabled, "default should be disabled")
	assert.Equal(t, 514, cfg.Port)
	assert.Equal(t, "udp", cfg.Protocol)
	assert.Equal(t, "wardennet", cfg.Tag)
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	cfg := SyslogConfig{Enabled: true, Port: 514, Protocol: "udp"}
	_, err := NewSyslogWriter(cfg)
	assert.Error(t, err, "expected error for missing host")
}
