package main

import (
	"context"
	"fmt"
)

// runDiagnosePolicy prints the active policy's blocklist hostnames and the
// IP set they currently resolve to, without touching the kernel filter.
func runDiagnosePolicy(args []string) error {
	cfg, err := loadConfig("diagnose-policy", args)
	if err != nil {
		return err
	}
	log := newLogger()

	pol := openPolicy(cfg, log)
	hosts := pol.ActiveBlockHostnames()
	fmt.Printf("active block hostnames (%d):\n", len(hosts))
	for _, h := range hosts {
		fmt.Printf("  %s\n", h)
	}

	ips := pol.ResolveBlocklist(context.Background())
	fmt.Printf("resolved addresses (%d):\n", len(ips))
	for _, ip := range ips {
		fmt.Printf("  %s\n", ip)
	}
	return nil
}

// runDiagnoseSession prints the admin-facing view of every registered user.
func runDiagnoseSession(args []string) error {
	cfg, err := loadConfig("diagnose-session", args)
	if err != nil {
		return err
	}
	log := newLogger()

	sessions, err := openSessions(cfg, log)
	if err != nil {
		return err
	}

	for _, c := range sessions.ListClients() {
		fmt.Printf("%-20s role=%-8s status=%-8s client_ip=%-15s blocked=%v\n",
			c.UserID, c.Role, c.Status, c.ClientIP, c.Blocked)
	}
	return nil
}
