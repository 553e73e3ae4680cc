package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wardennet/internal/aggregate"
	"wardennet/internal/anomaly"
	"wardennet/internal/capture"
	"wardennet/internal/classify"
	"wardennet/internal/detect"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/gateway"
	"wardennet/internal/logging"
	"wardennet/internal/session"
)

// runGateway runs the full daemon: the Hostname Observer feeds the
// Detection Log, the Aggregator and Anomaly Engine run on their own
// cadences against it, and the Gateway Service fronts the whole thing with
// an HTTP surface, all until SIGINT/SIGTERM.
func runGateway(args []string) error {
	cfg, err := loadConfig("gateway", args)
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
	denyByIP := func(clientIP string) error {
		ip := net.ParseIP(clientIP)
		if ip == nil {
			return wardenerrors.Errorf(wardenerrors.KindValidation, "unresolvable client address %q", clientIP)
		}
		return fw.DenyClient(ip)
	}
	sessions.SetDenyHook(denyByIP)
	if err := fw.InstallBase(); err != nil {
		return err
	}

	pol := openPolicy(cfg, log)
	if err := fw.SyncPolicy(pol.ResolveBlocklist(context.Background())); err != nil {
		log.WithError(err).Warn("initial sync_policy failed, starting with an empty GLOBAL_DENY")
	}

	detectLog, err := detect.Open(cfg.DetectionDBPath, log)
	if err != nil {
		return err
	}
	defer detectLog.Close()

	agg := aggregate.New(detectLog.DB(), cfg.Timers.AggregationWindowDuration())
	engine := anomaly.New(agg, sessions, denyByIP, cfg.Policy.Thresholds, log)

	srv := gateway.NewServer(gateway.ServerOptions{
		Sessions:  sessions,
		Firewall:  fw,
		Policy:    pol,
		Log:       log,
		JWTSecret: []byte(cfg.JWTSecret),
	})

	done := make(chan struct{})

	observations := make(chan capture.Observation, 1024)
	go runCaptureWithBackoff(cfg.HotspotInterface, log, done, observations)

	go runDetectionPipeline(observations, sessions, detectLog, log)
	go runAnomalyCycle(engine, cfg.Timers.AnomalyCycleDuration(), done, log)
	go runLivenessSweep(sessions, cfg.Timers.LivenessSweepDuration(), done)
	go runBanSweepTicker(sessions, cfg.Timers.BanSweepDuration(), done)

	serverErrs := make(chan error, 1)
	go func() {
		serverErrs <- srv.Start(cfg.Listen)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigs:
		log.Info("shutdown signal received")
	case err := <-serverErrs:
		if err != nil {
			log.WithError(err).Error("gateway server exited")
		}
	}

	close(done)
	return nil
}

// captureBackoffBase and captureBackoffMax bound the restart delay for
// CaptureFailed (spec.md §7): the observer lost its tap and must be
// recreated, doubling the wait between attempts up to the ceiling.
const (
	captureBackoffBase = 2 * time.Second
	captureBackoffMax  = 30 * time.Second
)

// runCaptureWithBackoff owns the Hostname Observer's lifecycle: every time
// Run returns an error (the tap could not be opened or was lost), a fresh
// Observer is created and
// restarted after an exponentially growing backoff. Successfully observed
// frames are forwarded onto out, which this function closes on shutdown.
func runCaptureWithBackoff(iface string, log *logging.Logger, done <-chan struct{}, out chan<- capture.Observation) {
	defer close(out)
	backoff := captureBackoffBase

	for {
		select {
		case <-done:
			return
		default:
		}

		observer := capture.New(iface, log)
		runErr := make(chan error, 1)
		go func() { runErr <- observer.Run(done) }()

		forwarding := true
		for forwarding {
			select {
			case obs, ok := <-observer.Observations():
				if !ok {
					forwarding = false
					continue
				}
				select {
				case out <- obs:
				case <-done:
					observer.Close()
					return
				}
			case <-done:
				observer.Close()
				return
			}
		}

		err := <-runErr
		observer.Close()
		if err == nil {
			return
		}

		log.WithError(err).WithFields(map[string]any{"backoff": backoff.String()}).Warn("capture observer lost its tap, restarting after backoff")
		select {
		case <-time.After(backoff):
		case <-done:
			return
		}
		backoff *= 2
		if backoff > captureBackoffMax {
			backoff = captureBackoffMax
		}
	}
}

// runDetectionPipeline attributes every Observation to its logged-in user,
// classifies the hostname, and batches the result into the Detection Log.
// Observations whose source IP has no active, unbanned session are dropped
// by Ingest, since the Detection Log only records attributable traffic.
func runDetectionPipeline(observations <-chan capture.Observation, sessions *session.Store, detectLog *detect.Log, log *logging.Logger) {
	const (
		batchSize     = 64
		flushInterval = 2 * time.Second
	)

	batch := make([]detect.Detection, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		detectLog.Ingest(batch)
		batch = make([]detect.Detection, 0, batchSize)
	}

	for {
		select {
		case obs, ok := <-observations:
			if !ok {
				flush()
				return
			}
			userID := sessions.LookupUser(obs.SrcIP.String())
			category, _ := classify.Classify(obs.Hostname)
			batch = append(batch, detect.Detection{
				Ts:       obs.Ts,
				UserID:   userID,
				Hostname: obs.Hostname,
				Category: category,
			})
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// runAnomalyCycle drives the Anomaly Engine on its fixed cadence, applying
// any ban decisions via the Session Store's InsertBan + deny_client path.
func runAnomalyCycle(engine *anomaly.Engine, interval time.Duration, done <-chan struct{}, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if _, err := engine.RunCycle(now); err != nil {
				log.WithError(err).Warn("anomaly cycle failed")
			}
		}
	}
}

// runLivenessSweep marks unreachable clients inactive on a fixed cadence.
func runLivenessSweep(sessions *session.Store, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sessions.SweepLiveness()
		}
	}
}

// runBanSweepTicker clears expired temporary bans on a fixed cadence.
func runBanSweepTicker(sessions *session.Store, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sessions.SweepBans()
		}
	}
}
