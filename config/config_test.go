package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopcast/loopcast/config"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestDefaultValues(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, 2, cfg.Scheduler.HorizonMonths)
	require.Equal(t, 1.0, cfg.Scheduler.MinPerDayShort)
	require.Equal(t, 3.0, cfg.Scheduler.MaxPerDayShort)
	require.Equal(t, 0.2, cfg.Scheduler.MinPerDayLong)
	require.Equal(t, 1.0, cfg.Scheduler.MaxPerDayLong)
	require.Equal(t, 5*time.Minute, cfg.Queue.LeaseTTL)
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, time.Minute, cfg.Queue.BackoffBase)
	require.Equal(t, time.Hour, cfg.Queue.BackoffCap)
	require.Equal(t, []int{1, 6, 24, 72, 168}, cfg.Checkback.OffsetsHours)
	require.Equal(t, time.Hour, cfg.Checkback.GraceWindow)
	require.Equal(t, 90, cfg.People.WindowDays)
	require.Equal(t, 120*time.Second, cfg.Dispatcher.PublishTimeout)
	require.Equal(t, 30*time.Second, cfg.Checkback.FetchTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopcast.yaml")
	body := `
scheduler:
  horizon_months: 1
  platforms: [youtube, tiktok]
queue:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Scheduler.HorizonMonths)
	require.Equal(t, []string{"youtube", "tiktok"}, cfg.Scheduler.Platforms)
	require.Equal(t, 5, cfg.Queue.MaxAttempts)
	// Untouched tunables keep defaults.
	require.Equal(t, 5*time.Minute, cfg.Queue.LeaseTTL)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOOPCAST_POSTGRES_DSN", "postgres://localhost/loopcast_test")
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/loopcast_test", cfg.Postgres.DSN)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := config.Default()
	cfg.Scheduler.MaxPerDayShort = 0.5 // below min 1.0
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Scheduler.PreferredHours = []int{25}
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Dispatcher.BatchInitial = 100 // above max
	require.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.Checkback.OffsetsHours = nil
	require.Error(t, cfg.Validate())
}
