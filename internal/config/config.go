// Package config loads the HCL configuration that drives every wardennet
// component: network interfaces, storage paths, anomaly thresholds, and the
// mutable policy block.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	wardenerrors "wardennet/internal/errors"
)

// Config is the top-level structure decoded from the HCL config file.
type Config struct {
	HotspotInterface string `hcl:"hotspot_interface"`
	UplinkInterface  string `hcl:"uplink_interface"`
	PortalPort       int    `hcl:"portal_port,optional"`

	Listen string `hcl:"listen,optional"`

	SessionStorePath string `hcl:"session_store_path,optional"`
	DetectionDBPath  string `hcl:"detection_db_path,optional"`

	JWTSecret string `hcl:"jwt_secret"`

	Timers *Timers `hcl:"timers,block"`

	Policy PolicyConfig `hcl:"policy,block"`
}

// Timers controls the cadence of the ancillary background cycles. All values
// are HCL duration strings ("5m", "30s").
type Timers struct {
	AggregationWindow string `hcl:"aggregation_window,optional"`
	AnomalyCycle      string `hcl:"anomaly_cycle,optional"`
	LivenessSweep     string `hcl:"liveness_sweep,optional"`
	BanSweep          string `hcl:"ban_sweep,optional"`
}

// AnomalyThresholds are the hard-threshold rule inputs used both to label
// synthetic training data and to evaluate live FeatureVectors.
type AnomalyThresholds struct {
	HighActivity  float64 `hcl:"high_activity,optional"`
	VideoRatio    float64 `hcl:"video_ratio,optional"`
	SocialRatio   float64 `hcl:"social_ratio,optional"`
	Gaming        float64 `hcl:"gaming,optional"`
	CombinedRatio float64 `hcl:"combined_ratio,optional"`
}

// CategoryPolicy is one entry of PolicyConfig.Categories.
type CategoryPolicy struct {
	Name   string   `hcl:"name,label"`
	Active bool     `hcl:"active,optional"`
	Sites  []string `hcl:"sites,optional"`
}

// PolicyConfig is the mutable runtime policy: manual domain blocks, category
// toggles, and the anomaly thresholds. Read by the Rule Engine and Anomaly
// Engine; written by the admin surface of the Gateway Service.
type PolicyConfig struct {
	ManualBlocks []string          `hcl:"manual_blocks,optional"`
	Categories   []CategoryPolicy  `hcl:"category,block"`
	Thresholds   AnomalyThresholds `hcl:"thresholds,block"`
}

// DefaultTimers returns the cadence used when a timers block is omitted.
func DefaultTimers() Timers {
	return Timers{
		AggregationWindow: "60m",
		AnomalyCycle:      "5m",
		LivenessSweep:     "1m",
		BanSweep:          "1m",
	}
}

// duration parses one of the Timers fields, falling back to def if the field
// is empty or unparseable.
func (t Timers) duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

func (t Timers) AggregationWindowDuration() time.Duration {
	return t.duration(t.AggregationWindow, 60*time.Minute)
}

func (t Timers) AnomalyCycleDuration() time.Duration {
	return t.duration(t.AnomalyCycle, 5*time.Minute)
}

func (t Timers) LivenessSweepDuration() time.Duration {
	return t.duration(t.LivenessSweep, time.Minute)
}

func (t Timers) BanSweepDuration() time.Duration {
	return t.duration(t.BanSweep, time.Minute)
}

// Load reads and decodes the HCL config at path, applying defaults for any
// optional field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindInternal, "read config file")
	}
	return Decode(data, path)
}

// Decode parses and decodes HCL source bytes into a Config.
func Decode(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, wardenerrors.Errorf(wardenerrors.KindValidation, "parse config: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, wardenerrors.Errorf(wardenerrors.KindValidation, "decode config: %s", diags.Error())
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PortalPort == 0 {
		cfg.PortalPort = 8080
	}
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:8080"
	}
	if cfg.SessionStorePath == "" {
		cfg.SessionStorePath = "/var/lib/wardennet/sessions.json"
	}
	if cfg.DetectionDBPath == "" {
		cfg.DetectionDBPath = "/var/lib/wardennet/detections.db"
	}
	if cfg.Timers == nil {
		defaults := DefaultTimers()
		cfg.Timers = &defaults
	}
	def := DefaultThresholds()
	t := &cfg.Policy.Thresholds
	if t.HighActivity == 0 {
		t.HighActivity = def.HighActivity
	}
	if t.VideoRatio == 0 {
		t.VideoRatio = def.VideoRatio
	}
	if t.SocialRatio == 0 {
		t.SocialRatio = def.SocialRatio
	}
	if t.Gaming == 0 {
		t.Gaming = def.Gaming
	}
	if t.CombinedRatio == 0 {
		t.CombinedRatio = def.CombinedRatio
	}
}

// DefaultThresholds returns the hard-threshold rule defaults named in the
// anomaly decision pipeline.
func DefaultThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		HighActivity:  80,
		VideoRatio:    0.4,
		SocialRatio:   0.5,
		Gaming:        1,
		CombinedRatio: 0.7,
	}
}

func validate(cfg *Config) error {
	if cfg.HotspotInterface == "" {
		return wardenerrors.New(wardenerrors.KindValidation, "hotspot_interface is required")
	}
	if cfg.UplinkInterface == "" {
		return wardenerrors.New(wardenerrors.KindValidation, "uplink_interface is required")
	}
	if cfg.HotspotInterface == cfg.UplinkInterface {
		return wardenerrors.New(wardenerrors.KindValidation, "hotspot_interface and uplink_interface must differ")
	}
	if cfg.JWTSecret == "" {
		return wardenerrors.New(wardenerrors.KindValidation, "jwt_secret is required")
	}
	return nil
}
