// Command wardennet is the captive-portal access controller daemon plus a
// handful of one-shot operational subcommands, dispatched the way the
// teacher's own standalone commands (cmd/flywall-sim) parse flags before
// branching on a subcommand argument.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "gateway":
		err = runGateway(os.Args[2:])
	case "policy-sync":
		err = runPolicySync(os.Args[2:])
	case "session-sweep":
		err = runSessionSweep(os.Args[2:])
	case "ban-sweep":
		err = runBanSweep(os.Args[2:])
	case "refresh-ips":
		err = runRefreshIPs(os.Args[2:])
	case "diagnose-policy":
		err = runDiagnosePolicy(os.Args[2:])
	case "diagnose-session":
		err = runDiagnoseSession(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "wardennet:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: wardennet <command> [flags]

commands:
  gateway            run the full daemon (observer, aggregator, anomaly
                     engine, rule engine, gateway HTTP service)
  policy-sync        resolve the active blocklist once and push it to the
                     rule engine, then exit
  session-sweep      run one liveness sweep over active sessions, then exit
  ban-sweep          clear expired temporary bans, then exit
  refresh-ips        re-resolve the blocklist and rewrite GLOBAL_DENY only
                     if the resolved set changed, then exit
  diagnose-policy    print the active policy and its resolved IP set
  diagnose-session   print every session store record`)
}
