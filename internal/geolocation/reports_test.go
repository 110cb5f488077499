package geolocation

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/geo"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestReports(t *testing.T, maxAge time.Duration) (*Reports, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reports, err := NewReports(Config{Client: client, MaxAge: maxAge})
	require.NoError(t, err)
	return reports, mr
}

func TestCurrentPositionUnavailableWithoutReport(t *testing.T) {
	reports, _ := setupTestReports(t, time.Minute)
	_, err := reports.CurrentPosition(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}

func TestRecordThenCurrentPosition(t *testing.T) {
	reports, _ := setupTestReports(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reports.Record(ctx, "user-1", geo.Point{Lat: 40.0, Lng: -73.0}))
	require.NoError(t, reports.Record(ctx, "user-1", geo.Point{Lat: 40.0001, Lng: -73.0}))

	position, err := reports.CurrentPosition(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, geo.Point{Lat: 40.0001, Lng: -73.0}, position)
}

func TestReportExpiresAfterMaxAge(t *testing.T) {
	reports, mr := setupTestReports(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reports.Record(ctx, "user-1", geo.Point{Lat: 40.0, Lng: -73.0}))
	mr.FastForward(61 * time.Second)

	_, err := reports.CurrentPosition(ctx, "user-1")
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}

func TestRecordRejectsInvalidCoordinates(t *testing.T) {
	reports, _ := setupTestReports(t, time.Minute)
	err := reports.Record(context.Background(), "user-1", geo.Point{Lat: 91})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinates)
}

func TestStoreFailureSurfacesAsUnavailable(t *testing.T) {
	reports, mr := setupTestReports(t, time.Minute)
	mr.SetError("boom")
	_, err := reports.CurrentPosition(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}

func TestForgetDropsPosition(t *testing.T) {
	reports, _ := setupTestReports(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, reports.Record(ctx, "user-1", geo.Point{Lat: 40.0, Lng: -73.0}))
	require.NoError(t, reports.Forget(ctx, "user-1"))
	require.NoError(t, reports.Forget(ctx, "user-1"))

	_, err := reports.CurrentPosition(ctx, "user-1")
	assert.ErrorIs(t, err, ErrLocationUnavailable)
}
