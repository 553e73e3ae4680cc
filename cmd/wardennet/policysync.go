package main

import (
	"context"
	"fmt"
)

// runPolicySync resolves the active blocklist once and pushes the result to
// the rule engine, matching the spec's sync_policy operation triggered by
// an admin edit or a scheduled cycle.
func runPolicySync(args []string) error {
	cfg, err := loadConfig("policy-sync", args)
	if err != nil {
		return err
	}
	log := newLogger()

	pol := openPolicy(cfg, log)
	fw, err := openFirewall(cfg, log)
	if err != nil {
		return err
	}

	ips := pol.ResolveBlocklist(context.Background())
	if err := fw.SyncPolicy(ips); err != nil {
		return err
	}
	fmt.Printf("sync_policy: %d addresses in GLOBAL_DENY\n", len(ips))
	return nil
}

// runRefreshIPs re-resolves the blocklist and rewrites GLOBAL_DENY only if
// the resolved set actually changed, matching the spec's refresh_ips
// operation driven by the IP-refresh timer.
func runRefreshIPs(args []string) error {
	cfg, err := loadConfig("refresh-ips", args)
	if err != nil {
		return err
	}
	log := newLogger()

	pol := openPolicy(cfg, log)
	fw, err := openFirewall(cfg, log)
	if err != nil {
		return err
	}

	ips := pol.ResolveBlocklist(context.Background())
	if err := fw.RefreshIPs(ips); err != nil {
		return err
	}
	fmt.Printf("refresh_ips: %d addresses resolved\n", len(ips))
	return nil
}
