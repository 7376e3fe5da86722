package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "kiosk:\n  id: kiosk-test\n")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kiosk-test", c.Kiosk.ID)
	assert.Equal(t, 5000, c.Server.Port)
	assert.Equal(t, "/dev/ttyACM0", c.Serial.Port)
	assert.Equal(t, 9600, c.Serial.BaudRate)
	assert.Equal(t, 7, c.Serial.DataBits)
	assert.Equal(t, "E", c.Serial.Parity)
	assert.Equal(t, 3, c.Dispense.MaxAttempts)
	assert.Equal(t, 2*time.Second, c.Dispense.RetryBackoff)
	assert.Equal(t, 500*time.Millisecond, c.Dispense.PollInterval)
	assert.Equal(t, 30*time.Second, c.Dispense.PollTimeout)
	assert.Equal(t, 5*time.Second, c.Connectivity.RecheckInterval)
	assert.Equal(t, 10*time.Second, c.Connectivity.OfflineTimeout)
	assert.Equal(t, 4, c.Withdrawal.CoinsPerUSD)
}

func TestLoadLegacyEnv(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	t.Setenv("CLOUD_API_URL", "https://cloud.example.com/")
	t.Setenv("KIOSK_ID", "kiosk-042")
	t.Setenv("SERIAL_PORT", "/dev/ttyUSB1")
	t.Setenv("OFFLINE_TIMEOUT", "15")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("FLASK_PORT", "5050")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://cloud.example.com", c.Cloud.APIURL, "末尾斜杠应被去掉")
	assert.Equal(t, "kiosk-042", c.Kiosk.ID)
	assert.Equal(t, "/dev/ttyUSB1", c.Serial.Port)
	assert.Equal(t, 15*time.Second, c.Connectivity.OfflineTimeout)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 5050, c.Server.Port)
}

func TestLoadPrefixedEnvWins(t *testing.T) {
	path := writeConfig(t, "")

	t.Setenv("ROLU_KIOSK_KIOSK_ID", "prefixed")
	t.Setenv("KIOSK_ID", "legacy")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prefixed", c.Kiosk.ID)
}

func TestValidate(t *testing.T) {
	path := writeConfig(t, "withdrawal:\n  max_coins_per_txn: 150\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "cloud:\n  api_url: \"\"\n")
	_, err = Load(path)
	assert.Error(t, err)
}
