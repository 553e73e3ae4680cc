package logging

import (
	"fmt"
	"log/syslog"
	"net"
	"time"
)

// SyslogConfig configures forwarding of log lines to a remote syslog
// collector over UDP or TCP.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // udp or tcp
	Tag      string
	Facility syslog.Priority
}

// DefaultSyslogConfig returns the disabled-by-default configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "wardennet",
		Facility: syslog.LOG_USER,
	}
}

// syslogWriter forwards raw log lines to a remote syslog endpoint.
type syslogWriter struct {
	conn net.Conn
	tag  string
	fac  syslog.Priority
}

// NewSyslogWriter dials the configured syslog endpoint. The host must be set;
// an empty host is a configuration error since there is no sane local
// fallback for a "remote" sink.
func NewSyslogWriter(cfg SyslogConfig) (*syslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("logging: syslog host must not be empty")
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("logging: dial syslog %s: %w", addr, err)
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "wardennet"
	}
	return &syslogWriter{conn: conn, tag: tag, fac: cfg.Facility}, nil
}

func (w *syslogWriter) Write(p []byte) (int, error) {
	msg := fmt.Sprintf("<%d>%s %s: %s", w.fac|syslog.LOG_INFO, time.Now().Format(time.RFC3339), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *syslogWriter) Close() error {
	return w.conn.Close()
}
