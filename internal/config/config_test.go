package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/sandboxd/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir changes the working directory for the duration of the test
// (equivalent to testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "docker", cfg.Engine.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Engine.Timeout)
	assert.Equal(t, model.DefaultLifetime, cfg.Sandbox.Lifetime)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 256, cfg.Notify.QueueSize)
	assert.Equal(t, "ubuntu:22.04", cfg.ImageMap()[model.OSUbuntu])
	assert.Equal(t, filepath.Join("data", "sandboxd.db"), cfg.DBPath())
	assert.Empty(t, cfg.BootstrapAdmins())
	assert.Empty(t, cfg.DefaultSettings())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/sandboxd
engine:
  backend: kubernetes
  kubernetes:
    namespace: vps
images:
  debian: registry.example.com/base/debian:12
scheduler:
  interval: 1m
bootstrap:
  admin: alice
notify:
  log_channel: "#ops"
`)
	t.Setenv("SANDBOXD_HTTP_PORT", "9090")
	t.Setenv("SANDBOXD_SCHEDULER_CONCURRENCY", "8")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sandboxd", cfg.DataDir)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "kubernetes", cfg.Engine.Backend)
	assert.Equal(t, "vps", cfg.Engine.Kubernetes.Namespace)
	assert.Equal(t, "registry.example.com/base/debian:12", cfg.Images.Debian)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Concurrency)
	assert.Equal(t, []model.Principal{"alice"}, cfg.BootstrapAdmins())
	assert.Equal(t, map[string]string{model.SettingLogChannel: "#ops"}, cfg.DefaultSettings())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"engine.backend":        "engine:\n  backend: firecracker\n",
		"images.ubuntu":         "images:\n  ubuntu: \"UPPER/Case:tag\"\n",
		"http.port":             "http:\n  port: 70000\n",
		"scheduler.concurrency": "scheduler:\n  concurrency: 0\n",
		"sandbox.lifetime":      "sandbox:\n  lifetime: 0s\n",
	}
	for key, body := range cases {
		t.Run(key, func(t *testing.T) {
			_, err := Load(viper.New(), writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
