package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSettings_Validate(t *testing.T) {
	valid := RuntimeSettings{
		AutosaveCron: "*/5 * * * *",
		PlaybackFPS:  25,
	}
	require.NoError(t, valid.Validate())

	disabled := valid
	disabled.AutosaveCron = ""
	require.NoError(t, disabled.Validate())

	invalid := valid
	invalid.AutosaveCron = "bad cron"
	require.Error(t, invalid.Validate())

	invalidFPS := valid
	invalidFPS.PlaybackFPS = 0
	require.Error(t, invalidFPS.Validate())
	invalidFPS.PlaybackFPS = MaxPlaybackFPS + 1
	require.Error(t, invalidFPS.Validate())
}

func TestRuntimeSettingsFile_RoundTrip(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "settings", "runtime.json")
	input := RuntimeSettings{
		AutosaveCron: "0 * * * *",
		PlaybackFPS:  30,
	}

	require.NoError(t, WriteRuntimeSettingsFile(filePath, input))

	got, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, input, got)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	_, err = os.Stat(filePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRuntimeSettingsFile_Invalid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(filePath, []byte("{"), 0o600))

	_, err := LoadRuntimeSettingsFile(filePath)
	require.Error(t, err)
}

func TestWithRuntimeSettings_OverridesConfig(t *testing.T) {
	t.Setenv("AUTOSAVE_CRON", "0 1 * * *")
	t.Setenv("PLAYBACK_FPS", "10")

	override := RuntimeSettings{
		AutosaveCron: "*/30 * * * *",
		PlaybackFPS:  60,
	}

	cfg, err := NewFromEnv(WithRuntimeSettings(override))
	require.NoError(t, err)
	assert.Equal(t, override.AutosaveCron, cfg.Session.AutosaveCron)
	assert.Equal(t, 60, cfg.Session.PlaybackFPS)
	assert.Equal(t, override, cfg.RuntimeSettings())

	cfg, err = NewFromEnv(WithRuntimeSettings(RuntimeSettings{}))
	require.NoError(t, err)
	assert.Empty(t, cfg.Session.AutosaveCron)
	assert.Equal(t, 10, cfg.Session.PlaybackFPS)
}

func TestRuntimeSettingsStore_UpdatePersistsFile(t *testing.T) {
	tmp := t.TempDir()
	filePath := filepath.Join(tmp, "runtime-settings.json")
	initial := RuntimeSettings{
		AutosaveCron: "*/5 * * * *",
		PlaybackFPS:  25,
	}

	store, err := NewRuntimeSettingsStore(filePath, initial)
	require.NoError(t, err)

	next := RuntimeSettings{
		AutosaveCron: " */10 * * * * ",
		PlaybackFPS:  12,
	}
	got, err := store.UpdateRuntimeSettings(next)
	require.NoError(t, err)
	assert.Equal(t, "*/10 * * * *", got.AutosaveCron)

	current, err := store.GetRuntimeSettings()
	require.NoError(t, err)
	assert.Equal(t, got, current)

	loaded, err := LoadRuntimeSettingsFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, got, loaded)

	_, err = store.UpdateRuntimeSettings(RuntimeSettings{AutosaveCron: "nope", PlaybackFPS: 12})
	require.Error(t, err)
	current, _ = store.GetRuntimeSettings()
	assert.Equal(t, got, current)
}

func TestNewRuntimeSettingsStore_RequiresPath(t *testing.T) {
	_, err := NewRuntimeSettingsStore("", RuntimeSettings{PlaybackFPS: 25})
	require.Error(t, err)
}
