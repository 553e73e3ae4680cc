package main

import (
	"flag"

	"wardennet/internal/config"
	"wardennet/internal/firewall"
	"wardennet/internal/logging"
	"wardennet/internal/policy"
	"wardennet/internal/session"
)

const defaultConfigPath = "/etc/wardennet/wardennet.hcl"

// loadConfig parses the -config flag shared by every subcommand and loads
// the HCL config it points at.
func loadConfig(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", defaultConfigPath, "path to the HCL config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func newLogger() *logging.Logger {
	return logging.New(logging.DefaultConfig())
}

func openSessions(cfg *config.Config, log *logging.Logger) (*session.Store, error) {
	return session.Open(cfg.SessionStorePath, log)
}

func openPolicy(cfg *config.Config, log *logging.Logger) *policy.Store {
	return policy.New(cfg.Policy, "", log)
}

func openFirewall(cfg *config.Config, log *logging.Logger) (*firewall.Manager, error) {
	return firewall.NewManager(firewall.BaseConfig{
		HotspotInterface: cfg.HotspotInterface,
		UplinkInterface:  cfg.UplinkInterface,
		PortalPort:       uint16(cfg.PortalPort),
	}, log)
}
