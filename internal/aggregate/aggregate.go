// Package aggregate implements the Aggregator: a windowed reduction over
// the Detection Log producing one FeatureVector per active user.
package aggregate

import (
	"database/sql"
	"fmt"
	"time"

	"wardennet/internal/classify"
	wardenerrors "wardennet/internal/errors"
)

// FeatureVector is the derived per-user, per-window input to the Anomaly
// Engine. Feature order is fixed and must match the classifier's training
// data layout: total, video, social, messaging, gaming, video_ratio,
// social_ratio, messaging_ratio, gaming_ratio, entertainment_ratio.
type FeatureVector struct {
	UserID string

	Total     int
	Video     int
	Social    int
	Messaging int
	Gaming    int

	VideoRatio     float64
	SocialRatio    float64
	MessagingRatio float64
	GamingRatio    float64

	EntertainmentRatio float64
}

// Ordered returns the feature values in the fixed order the classifier and
// training-data generator both depend on.
func (fv FeatureVector) Ordered() [10]float64 {
	return [10]float64{
		float64(fv.Total),
		float64(fv.Video),
		float64(fv.Social),
		float64(fv.Messaging),
		float64(fv.Gaming),
		fv.VideoRatio,
		fv.SocialRatio,
		fv.MessagingRatio,
		fv.GamingRatio,
		fv.EntertainmentRatio,
	}
}

// Summary renders a short one-line human string of the vector's counts and
// ratios.
func (fv FeatureVector) Summary() string {
	return fmt.Sprintf(
		"user=%s total=%d video=%d(%.0f%%) social=%d(%.0f%%) messaging=%d(%.0f%%) gaming=%d(%.0f%%)",
		fv.UserID, fv.Total,
		fv.Video, fv.VideoRatio*100,
		fv.Social, fv.SocialRatio*100,
		fv.Messaging, fv.MessagingRatio*100,
		fv.Gaming, fv.GamingRatio*100,
	)
}

// Aggregator reduces the detections table into per-user FeatureVectors over
// a rolling window, excluding category=general entirely.
type Aggregator struct {
	db     *sql.DB
	window time.Duration
}

// New constructs an Aggregator reading from db with the given rolling
// window (default 60 minutes if window <= 0).
func New(db *sql.DB, window time.Duration) *Aggregator {
	if window <= 0 {
		window = 60 * time.Minute
	}
	return &Aggregator{db: db, window: window}
}

// Snapshot computes a FeatureVector for every user_id with at least one
// non-general detection in the window, as of now. Idempotent for a given
// log state and window: running it twice against the same data and the same
// `now` produces identical output.
func (a *Aggregator) Snapshot(now time.Time) ([]FeatureVector, error) {
	cutoff := now.Add(-a.window).Unix()

	rows, err := a.db.Query(`
		SELECT user_id, category, SUM(count)
		FROM detections
		WHERE ts >= ? AND category != ?
		GROUP BY user_id, category
	`, cutoff, string(classify.CategoryGeneral))
	if err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindUnavailable, "query detections")
	}
	defer rows.Close()

	byUser := make(map[string]*FeatureVector)
	for rows.Next() {
		var userID, category string
		var count int
		if err := rows.Scan(&userID, &category, &count); err != nil {
			return nil, wardenerrors.Wrap(err, wardenerrors.KindInternal, "scan detection row")
		}
		fv, ok := byUser[userID]
		if !ok {
			fv = &FeatureVector{UserID: userID}
			byUser[userID] = fv
		}
		fv.Total += count
		switch classify.Category(category) {
		case classify.CategoryVideo:
			fv.Video += count
		case classify.CategorySocial:
			fv.Social += count
		case classify.CategoryMessaging:
			fv.Messaging += count
		case classify.CategoryGaming:
			fv.Gaming += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wardenerrors.Wrap(err, wardenerrors.KindInternal, "iterate detection rows")
	}

	out := make([]FeatureVector, 0, len(byUser))
	for _, fv := range byUser {
		if fv.Total > 0 {
			fv.VideoRatio = float64(fv.Video) / float64(fv.Total)
			fv.SocialRatio = float64(fv.Social) / float64(fv.Total)
			fv.MessagingRatio = float64(fv.Messaging) / float64(fv.Total)
			fv.GamingRatio = float64(fv.Gaming) / float64(fv.Total)
			fv.EntertainmentRatio = float64(fv.Video+fv.Social+fv.Gaming) / float64(fv.Total)
		}
		out = append(out, *fv)
	}
	return out, nil
}
