package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// useTempConfigHome points the default config location at a temp directory.
func useTempConfigHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	return tmpDir
}

func TestInitConfig_Success(t *testing.T) {
	tmpDir := useTempConfigHome(t)

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	expectedPath := filepath.Join(tmpDir, ".config", "dropboxd", "config.yaml")
	if configPath != expectedPath {
		t.Errorf("Expected config at %s, got %s", expectedPath, configPath)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# dropboxd Configuration File",
		"logging:",
		"store:",
		"rollback_log:",
		"storage_processors:",
		"application_server:",
		"registration:",
		"recovery:",
		"dropboxes:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	// Verify it's valid YAML
	var parsed map[string]any
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		t.Errorf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	useTempConfigHome(t)

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists, got nil")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfigToPath_ForceOverwrite(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(configPath, []byte("existing"), 0644); err != nil {
		t.Fatalf("Failed to write existing file: %v", err)
	}

	if err := InitConfigToPath(configPath, false); err == nil {
		t.Fatal("Expected error without force")
	}
	if err := InitConfigToPath(configPath, true); err != nil {
		t.Fatalf("InitConfigToPath with force failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if string(content) == "existing" {
		t.Error("File was not overwritten")
	}
}

func TestGenerateYAMLWithComments_ValidConfig(t *testing.T) {
	out, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	for key, comment := range sectionComments {
		if !strings.Contains(out, "# "+comment) {
			t.Errorf("Generated YAML missing comment of section %s", key)
		}
	}

	// Durations are written in human readable form
	if !strings.Contains(out, "shutdown_timeout: 30s") {
		t.Error("Generated YAML should contain shutdown_timeout: 30s")
	}
	if !strings.Contains(out, "single-data-set") {
		t.Error("Generated YAML should contain the default program")
	}
}

func TestGeneratedConfigValuesAreCorrect(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("Failed to generate config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load generated config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected INFO log level in generated config, got %q", cfg.Logging.Level)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Recovery.RetryPeriod != time.Minute {
		t.Errorf("Expected recovery retry period 1m, got %v", cfg.Recovery.RetryPeriod)
	}
	if len(cfg.Dropboxes) != 1 || cfg.Dropboxes[0].Name != DefaultDropbox {
		t.Fatalf("Expected the default dropbox, got %+v", cfg.Dropboxes)
	}
	if cfg.Dropboxes[0].Program.Options["data_set_type"] != "UNKNOWN" {
		t.Errorf("Expected program options to round trip, got %v", cfg.Dropboxes[0].Program.Options)
	}
	if _, ok := cfg.StorageProcessors[DefaultStorageProcessor]; !ok {
		t.Errorf("Expected the default storage processor, got %v", cfg.StorageProcessors)
	}
}
