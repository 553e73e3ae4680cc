package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wardennet/internal/aggregate"
	"wardennet/internal/config"
	"wardennet/internal/session"
)

type fakeAggregator struct {
	vectors []aggregate.FeatureVector
	err     error
}

func (f *fakeAggregator) Snapshot(now time.Time) ([]aggregate.FeatureVector, error) {
	return f.vectors, f.err
}

type fakeSessions struct {
	active map[string]string // user_id -> client_ip
	bans   map[string]struct {
		kind   session.BanKind
		reason string
	}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		active: make(map[string]string),
		bans: make(map[string]struct {
			kind   session.BanKind
			reason string
		}),
	}
}

func (f *fakeSessions) ActiveUserIDs() []string {
	ids := make([]string, 0, len(f.active))
	for id := range f.active {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeSessions) InsertBan(userID string, kind session.BanKind, reason string, expiresAt time.Time) error {
	f.bans[userID] = struct {
		kind   session.BanKind
		reason string
	}{kind: kind, reason: reason}
	return nil
}

func (f *fakeSessions) ClientIPForUser(userID string) (string, bool) {
	ip, ok := f.active[userID]
	return ip, ok
}

func thresholds() config.AnomalyThresholds {
	return config.AnomalyThresholds{
		HighActivity:  80,
		VideoRatio:    0.4,
		SocialRatio:   0.5,
		Gaming:        1,
		CombinedRatio: 0.7,
	}
}

// TestDecisionPipelineBansOnAgreement reproduces spec scenario S3: a user at
// total=55, video=45 (video_ratio~0.82), gaming=10 (gaming_ratio~0.18) trips
// the video and gaming rules. With the forest trained on the same
// thresholds, an equally extreme live sample should agree with the rule
// flag and should_ban with high enough confidence to produce a ban.
func TestDecisionPipelineBansOnAgreement(t *testing.T) {
	fv := aggregate.FeatureVector{
		UserID:      "u1",
		Total:       55,
		Video:       45,
		Gaming:      10,
		VideoRatio:  45.0 / 55.0,
		GamingRatio: 10.0 / 55.0,
	}

	agg := &fakeAggregator{vectors: []aggregate.FeatureVector{fv}}
	sessions := newFakeSessions()
	sessions.active["u1"] = "10.0.0.5"

	var deniedIP string
	deny := func(clientIP string) error {
		deniedIP = clientIP
		return nil
	}

	e := New(agg, sessions, deny, thresholds(), nil)
	require.NotNil(t, e.forest, "expected forest to train successfully")

	decisions, err := e.RunCycle(time.Now())
	require.NoError(t, err)
	require.Len(t, decisions, 1)

	d := decisions[0]
	assert.True(t, d.RuleFlag, "expected rule_flag=true for gaming+video extreme sample")
	assert.True(t, d.ShouldBan, "expected should_ban=true, got ml_flag=%v confidence=%v", d.MLFlag, d.Confidence)
	assert.Equal(t, "10.0.0.5", deniedIP, "expected deny_client called with 10.0.0.5")
	_, banned := sessions.bans["u1"]
	assert.True(t, banned, "expected a ban record to be inserted for u1")
}

func TestDecisionPipeline_IgnoresInactiveUsers(t *testing.T) {
	fv := aggregate.FeatureVector{UserID: "ghost", Total: 200, VideoRatio: 0.9}
	agg := &fakeAggregator{vectors: []aggregate.FeatureVector{fv}}
	sessions := newFakeSessions() // no active users

	e := New(agg, sessions, nil, thresholds(), nil)
	decisions, err := e.RunCycle(time.Now())
	require.NoError(t, err)
	assert.Empty(t, decisions, "expected no decisions for users without an active session")
}

func TestDecisionPipeline_NoRuleTripNoBan(t *testing.T) {
	fv := aggregate.FeatureVector{UserID: "u2", Total: 10, Video: 1, VideoRatio: 0.1}
	agg := &fakeAggregator{vectors: []aggregate.FeatureVector{fv}}
	sessions := newFakeSessions()
	sessions.active["u2"] = "10.0.0.9"

	e := New(agg, sessions, nil, thresholds(), nil)
	decisions, err := e.RunCycle(time.Now())
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.False(t, decisions[0].RuleFlag, "expected no rule trip for low-activity user")
	assert.False(t, decisions[0].ShouldBan, "expected no ban for low-activity user")
	_, banned := sessions.bans["u2"]
	assert.False(t, banned, "did not expect a ban record for u2")
}

func TestEvaluateRules_AllFive(t *testing.T) {
	t1 := thresholds()

	cases := []struct {
		name string
		fv   aggregate.FeatureVector
		want bool
	}{
		{"high activity", aggregate.FeatureVector{Total: 80}, true},
		{"video ratio", aggregate.FeatureVector{Total: 10, VideoRatio: 0.4}, true},
		{"social ratio", aggregate.FeatureVector{Total: 10, SocialRatio: 0.5}, true},
		{"gaming", aggregate.FeatureVector{Total: 10, Gaming: 1}, true},
		{"combined", aggregate.FeatureVector{Total: 10, VideoRatio: 0.3, SocialRatio: 0.45}, true},
		{"none", aggregate.FeatureVector{Total: 10, VideoRatio: 0.1, SocialRatio: 0.1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := evaluateRules(tc.fv, t1)
			assert.Equal(t, tc.want, got)
		})
	}
}
