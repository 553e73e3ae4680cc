package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalHCL = `
hotspot_interface = "wlan0"
uplink_interface  = "eth0"
jwt_secret        = "test-secret"

policy {
  manual_blocks = ["ads.example.com"]

  category "gaming" {
    active = true
    sites  = ["steampowered.com"]
  }

  thresholds {
    video_ratio = 0.5
  }
}
`

func TestDecode_AppliesDefaults(t *testing.T) {
	cfg, err := Decode([]byte(minimalHCL), "test.hcl")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.PortalPort)
	assert.NotEmpty(t, cfg.SessionStorePath)
	require.NotNil(t, cfg.Timers)
	assert.Equal(t, 5*time.Minute, cfg.Timers.AnomalyCycleDuration())
	assert.Equal(t, 0.5, cfg.Policy.Thresholds.VideoRatio, "expected explicit video_ratio to survive default-filling")
	assert.NotZero(t, cfg.Policy.Thresholds.Gaming, "expected unset threshold field to take the documented default")
	assert.Equal(t, []string{"ads.example.com"}, cfg.Policy.ManualBlocks)
	require.Len(t, cfg.Policy.Categories, 1)
	assert.Equal(t, "gaming", cfg.Policy.Categories[0].Name)
}

func TestDecode_RequiresDistinctInterfaces(t *testing.T) {
	bad := `
hotspot_interface = "wlan0"
uplink_interface  = "wlan0"
jwt_secret        = "test-secret"
policy {}
`
	_, err := Decode([]byte(bad), "test.hcl")
	assert.Error(t, err)
}

func TestDecode_RequiresJWTSecret(t *testing.T) {
	bad := `
hotspot_interface = "wlan0"
uplink_interface  = "eth0"
policy {}
`
	_, err := Decode([]byte(bad), "test.hcl")
	assert.Error(t, err)
}

func TestDefaultThresholds(t *testing.T) {
	d := DefaultThresholds()
	assert.Equal(t, 0.4, d.VideoRatio)
	assert.Equal(t, 1.0, d.Gaming)
}
