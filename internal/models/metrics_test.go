package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketStart_UTCFloors(t *testing.T) {
	msk := time.FixedZone("MSK", 3*60*60)
	// 01:30 MSK = 22:30 UTC предыдущего дня — корзины считаются в UTC.
	at := time.Date(2026, 8, 11, 1, 30, 45, 0, msk)

	require.Equal(t, time.Date(2026, 8, 10, 22, 0, 0, 0, time.UTC), BucketStart(at, GranularityHour))
	require.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), BucketStart(at, GranularityDay))
	require.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), BucketStart(at, GranularityWeek))
	require.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), BucketStart(at, GranularityMonth))
}

func TestBucketStart_WeekStartsMonday(t *testing.T) {
	sunday := time.Date(2026, 8, 9, 23, 59, 0, 0, time.UTC)
	monday := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), BucketStart(sunday, GranularityWeek))
	require.Equal(t, monday, BucketStart(monday, GranularityWeek))
}

func TestNextBucket(t *testing.T) {
	start := time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)

	require.Equal(t, start.Add(time.Hour), NextBucket(start, GranularityHour))
	require.Equal(t, time.Date(2026, 2, 1, 23, 0, 0, 0, time.UTC), NextBucket(start, GranularityDay))
	require.Equal(t, time.Date(2026, 2, 7, 23, 0, 0, 0, time.UTC), NextBucket(start, GranularityWeek))

	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), NextBucket(jan, GranularityMonth))
}

func TestDedupKey_TransportAgnostic(t *testing.T) {
	id := TrackingIdentity{FlowID: "F1", StepID: "S1", ContactID: "C1"}
	require.Equal(t, "F1|S1|C1|open", id.DedupKey(EventTypeOpen))
	require.Equal(t, "F1|S1|C1|click", id.DedupKey(EventTypeClick))
}
