package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/sentinel-console/internal/buildinfo"
	"github.com/tphakala/sentinel-console/internal/conf"
	"github.com/tphakala/sentinel-console/internal/console"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	ctx := console.NewContext(buildinfo.New("1.2.3", "2026-01-01"))
	root := RootCommand(ctx)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// Tests share the global viper instance and run serially.
func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "backend:\n  resturl: http://backend.local:8001\nmqtt:\n  broker: tcp://broker.local:1883\n  password: hunter2\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	out, err := execute(t, "config", "--config", path, "--transport", "mqtt")
	require.NoError(t, err)

	var got conf.Settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "http://backend.local:8001", got.Backend.RestURL)
	assert.Equal(t, conf.TransportMQTT, got.Backend.Transport, "flag overrides file")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigDefaults(t *testing.T) {
	out, err := execute(t, "config", "--defaults")
	require.NoError(t, err)
	assert.Equal(t, conf.DefaultConfigYAML(), out)
}

func TestVersionAndUnknownCommand(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "1.2.3")

	_, err = execute(t, "bogus")
	require.Error(t, err)
}

func TestBlackoutRequiresNode(t *testing.T) {
	_, err := execute(t, "blackout", "activate")
	require.Error(t, err)
}

func TestOneShotLoggerWritesToGivenWriter(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))

	ctx := console.NewContext(buildinfo.New("1.2.3", "2026-01-01"))
	var stderr bytes.Buffer
	require.NoError(t, ctx.Init(path, &stderr))
	t.Cleanup(func() { _ = ctx.Close() })

	ctx.Logger.Info("below level")
	ctx.Logger.Warn("backend unreachable")
	assert.Contains(t, stderr.String(), "backend unreachable")
	assert.NotContains(t, stderr.String(), "below level")
}
