package aggregate

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detections.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE detections (
			ts INTEGER NOT NULL,
			user_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 1
		)
	`)
	require.NoError(t, err)
	return db
}

func insert(t *testing.T, db *sql.DB, ts time.Time, userID, hostname, category string, count int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO detections (ts, user_id, hostname, category, count) VALUES (?, ?, ?, ?, ?)`,
		ts.Unix(), userID, hostname, category, count)
	require.NoError(t, err)
}

// TestSnapshot_S3Scenario reproduces spec scenario S3's numbers: 45 video,
// 10 gaming, 45 general for a single user in the window; general must be
// excluded entirely from totals and ratios.
func TestSnapshot_S3Scenario(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	insert(t, db, now, "u1", "youtube.com", "video", 45)
	insert(t, db, now, "u1", "steampowered.com", "gaming", 10)
	insert(t, db, now, "u1", "obscure.example.com", "general", 45)

	agg := New(db, time.Hour)
	snapshot, err := agg.Snapshot(now)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	fv := snapshot[0]
	assert.Equal(t, "u1", fv.UserID)
	assert.Equal(t, 55, fv.Total, "expected total=55 (general excluded)")
	assert.Equal(t, 45, fv.Video)
	assert.Equal(t, 10, fv.Gaming)
	assert.InDelta(t, 0.818, fv.VideoRatio, 0.01)
	assert.InDelta(t, 0.182, fv.GamingRatio, 0.01)
}

func TestSnapshot_ExcludesOutOfWindow(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	insert(t, db, now.Add(-2*time.Hour), "u1", "youtube.com", "video", 10)

	agg := New(db, time.Hour)
	snapshot, err := agg.Snapshot(now)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestSnapshot_Idempotent(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	insert(t, db, now, "u1", "youtube.com", "video", 5)

	agg := New(db, time.Hour)
	first, err := agg.Snapshot(now)
	require.NoError(t, err)
	second, err := agg.Snapshot(now)
	require.NoError(t, err)
	assert.Equal(t, first[0].Total, second[0].Total, "expected idempotent snapshots")
}

func TestFeatureVector_Ordered(t *testing.T) {
	fv := FeatureVector{Total: 10, Video: 5, VideoRatio: 0.5}
	ordered := fv.Ordered()
	assert.Equal(t, 10.0, ordered[0])
	assert.Equal(t, 5.0, ordered[1])
	assert.Equal(t, 0.5, ordered[5])
}
