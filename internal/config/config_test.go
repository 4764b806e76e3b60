package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, 15*time.Second, cfg.Monitor.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Monitor.DefaultInterval)
	assert.Equal(t, 5*time.Second, cfg.Monitor.PingTimeout)
	assert.Equal(t, 60*time.Second, cfg.Roster.CacheTTL)
	assert.Equal(t, 100, cfg.Roster.PageSize)
	assert.Equal(t, "Floor 1", cfg.Roster.DefaultFloor)
	assert.Equal(t, 20, cfg.Threshold.AlertPercent)
	assert.Equal(t, 25, cfg.Threshold.ClearPercent)
	assert.Equal(t, uint16(161), cfg.SNMP.Port)
	assert.Equal(t, "public", cfg.SNMP.Community)
	assert.Empty(t, cfg.Devices)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RETRY_DELAY", "3s")
	t.Setenv("PROBE_PARALLELISM", "0")
	t.Setenv("SLACK_WEBHOOK_URL", " https://hooks.example/x ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Monitor.RetryDelay)
	assert.Equal(t, 1, cfg.Monitor.Parallelism)
	assert.Equal(t, "https://hooks.example/x", cfg.Notify.SlackWebhookURL)
}

func TestLoadDevicesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.yaml")
	yaml := `
devices:
  - name: AP-12
    type: ping
    hostname: 10.0.12.1
    floor: Floor 12
    category: accessPoints
  - name: Printer-3F-01
    type: ping
    hostname: 10.0.3.20
    floor: Floor 3
    category: printers
    interval: 60
    active: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "AP-12", cfg.Devices[0].Name)
	assert.Nil(t, cfg.Devices[0].Active)
	assert.Equal(t, 60, cfg.Devices[1].Interval)
	require.NotNil(t, cfg.Devices[1].Active)
	assert.False(t, *cfg.Devices[1].Active)

	ap := cfg.Devices[0].Device()
	assert.True(t, ap.Active)
	assert.Equal(t, model.ProbePing, ap.Type)
	assert.Equal(t, "Floor 12", ap.Floor)
	printer := cfg.Devices[1].Device()
	assert.False(t, printer.Active)
	assert.True(t, printer.IsPrinter())
}

func TestDeviceSeedHTTPType(t *testing.T) {
	d := DeviceSeed{Name: " intranet ", Type: "HTTP", URL: "https://intranet.local", IgnoreTLS: true}.Device()
	assert.Equal(t, "intranet", d.Name)
	assert.Equal(t, model.ProbeHTTP, d.Type)
	assert.Equal(t, "https://intranet.local", d.Address())
	assert.True(t, d.IgnoreTLS)
}

func TestLoadRejectsInvertedHysteresis(t *testing.T) {
	t.Setenv("TONER_ALERT_PERCENT", "30")
	t.Setenv("TONER_CLEAR_PERCENT", "25")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresPostgresSettings(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)
}
