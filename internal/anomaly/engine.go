// Package anomaly is the Anomaly/Ban Engine: hard-threshold rules plus a
// random-forest classifier gate ban decisions, which are then applied via
// the Session Store and Rule Engine.
package anomaly

import (
	"time"

	"wardennet/internal/aggregate"
	"wardennet/internal/clock"
	"wardennet/internal/config"
	wardenerrors "wardennet/internal/errors"
	"wardennet/internal/logging"
	"wardennet/internal/session"
)

// Decision is the per-user output of one RunCycle pass.
type Decision struct {
	UserID     string
	RuleFlag   bool
	MLFlag     bool
	Confidence float64
	ShouldBan  bool
	Kind       session.BanKind
	Reason     string
}

// aggregator is the subset of *aggregate.Aggregator the engine depends on.
type aggregator interface {
	Snapshot(now time.Time) ([]aggregate.FeatureVector, error)
}

// sessionStore is the subset of *session.Store the engine depends on.
type sessionStore interface {
	ActiveUserIDs() []string
	InsertBan(userID string, kind session.BanKind, reason string, expiresAt time.Time) error
	ClientIPForUser(userID string) (string, bool)
}

// denyClient matches the Rule Engine's deny_client operation.
type denyClient func(clientIP string) error

// Engine runs the decision pipeline on a fixed cadence. ModelBuildFailed
// degrades it to rule-only decisions per spec's error-handling table.
type Engine struct {
	agg        aggregator
	sessions   sessionStore
	deny       denyClient
	log        *logging.Logger
	thresholds config.AnomalyThresholds

	forest *Forest // nil when the model failed to build; rule-only mode
}

// New builds the Engine and trains its forest immediately. If training
// fails, the engine still constructs successfully but runs in rule-only
// mode, matching the ModelBuildFailed degradation path.
func New(agg aggregator, sessions sessionStore, deny denyClient, thresholds config.AnomalyThresholds, log *logging.Logger) *Engine {
	e := &Engine{agg: agg, sessions: sessions, deny: deny, thresholds: thresholds, log: log}
	e.forest = safeTrain(thresholds, log)
	return e
}

func safeTrain(thresholds config.AnomalyThresholds, log *logging.Logger) (forest *Forest) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.WithFields(map[string]any{"panic": r}).Error("anomaly model build failed, degrading to rule-only")
			}
			forest = nil
		}
	}()
	data := generateTrainingData(thresholds)
	return TrainForest(data, trainingSeed)
}

// RunCycle evaluates every user with an active session and applies ban
// decisions. It never considers users without an active session, since a
// user who isn't logged in cannot be generating attributable traffic.
func (e *Engine) RunCycle(now time.Time) ([]Decision, error) {
	vectors, err := e.agg.Snapshot(now)
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "aggregator snapshot")
	}

	active := make(map[string]bool)
	for _, id := range e.sessions.ActiveUserIDs() {
		active[id] = true
	}

	var decisions []Decision
	for _, fv := range vectors {
		if !active[fv.UserID] {
			continue
		}
		decisions = append(decisions, e.decide(fv))
	}
	return decisions, nil
}

func (e *Engine) decide(fv aggregate.FeatureVector) Decision {
	ruleFlag, tripped := evaluateRules(fv, e.thresholds)
	reason := buildReason(fv, tripped)

	d := Decision{UserID: fv.UserID, RuleFlag: ruleFlag, Reason: reason}

	if e.forest == nil {
		// ModelBuildFailed: rule_flag alone triggers a ban at confidence 1.0
		// if the rule that tripped is the gaming rule, otherwise the cycle
		// only records the anomaly without banning.
		d.MLFlag = ruleFlag
		if ruleFlag && trippedGaming(tripped) {
			d.Confidence = 1.0
			d.ShouldBan = true
			d.Kind = session.BanPermanent
		}
		e.apply(d)
		return d
	}

	mlFlag, confidence := e.forest.Predict(fv.Ordered())
	d.MLFlag = mlFlag
	d.Confidence = confidence
	d.ShouldBan = ruleFlag && mlFlag

	if d.ShouldBan {
		switch {
		case confidence >= 0.95:
			d.Kind = session.BanPermanent
		case confidence >= 0.75:
			d.Kind = session.BanTemporary
		default:
			d.ShouldBan = false
		}
	}

	e.apply(d)
	return d
}

func trippedGaming(tripped []trippedRule) bool {
	for _, r := range tripped {
		if r.label == "Gaming detected" {
			return true
		}
	}
	return false
}

// apply installs deny_client before the Ban record is written, so
// lookup_user never reports a user as banned while the kernel filter is
// still forwarding their traffic.
func (e *Engine) apply(d Decision) {
	if !d.ShouldBan {
		return
	}

	if clientIP, ok := e.sessions.ClientIPForUser(d.UserID); ok && e.deny != nil {
		if err := e.deny(clientIP); err != nil {
			if e.log != nil {
				e.log.WithError(err).WithFields(map[string]any{"client_ip": clientIP}).Error("deny_client failed, ban record withheld")
			}
			return
		}
	}

	var expiresAt time.Time
	if d.Kind == session.BanTemporary {
		expiresAt = clock.Now().Add(24 * time.Hour)
	}

	if err := e.sessions.InsertBan(d.UserID, d.Kind, d.Reason, expiresAt); err != nil && e.log != nil {
		e.log.WithError(err).WithFields(map[string]any{"user_id": d.UserID}).Error("insert ban failed after deny_client")
	}
}
