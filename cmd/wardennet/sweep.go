package main

import (
	"fmt"
	"net"

	wardenerrors "wardennet/internal/errors"
)

// runSessionSweep runs one liveness sweep over active sessions: any
// client_ip that no longer answers a reachability probe is marked inactive
// and deny_client is called for it.
func runSessionSweep(args []string) error {
	cfg, err := loadConfig("session-sweep", args)
	if err != nil {
		return err
	}
	log := newLogger()

	sessions, err := openSessions(cfg, log)
	if err != nil {
		return err
	}
	fw, err := openFirewall(cfg, log)
	if err != nil {
		return err
	}
	sessions.SetDenyHook(func(clientIP string) error {
		ip := net.ParseIP(clientIP)
		if ip == nil {
			return wardenerrors.Errorf(wardenerrors.KindValidation, "unresolvable client address %q", clientIP)
		}
		return fw.DenyClient(ip)
	})

	sessions.SweepLiveness()
	fmt.Println("session-sweep: complete")
	return nil
}

// runBanSweep clears expired temporary bans so the next login re-evaluates
// cleanly (spec.md §9 open question: expiry does not re-install access).
func runBanSweep(args []string) error {
	cfg, err := loadConfig("ban-sweep", args)
	if err != nil {
		return err
	}
	log := newLogger()

	sessions, err := openSessions(cfg, log)
	if err != nil {
		return err
	}

	sessions.SweepBans()
	fmt.Println("ban-sweep: complete")
	return nil
}
