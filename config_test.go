package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Fixtures and Helpers
// ============================================================================

type mockConfigListener struct {
	mu      sync.Mutex
	updates []updateEvent
}

type updateEvent struct {
	jobs   []JobConfig
	toStop []string
}

func (m *mockConfigListener) OnJobsUpdated(jobs []JobConfig, toStop []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, updateEvent{jobs: jobs, toStop: toStop})
}

func (m *mockConfigListener) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

func (m *mockConfigListener) last() updateEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[len(m.updates)-1]
}

func createTempYAML(t *testing.T, content string) string {
	t.Helper()
	yamlPath := filepath.Join(t.TempDir(), "jobs.yaml")
	if content != "" {
		if err := os.WriteFile(yamlPath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to create temp YAML: %v", err)
		}
	}
	return yamlPath
}

// startWatching starts cm with a fast check interval and waits for the
// initial notification
func startWatching(t *testing.T, cm *ConfigManager) *mockConfigListener {
	t.Helper()
	cm.checkInterval = 50 * time.Millisecond
	cm.reloadCooldown = 0

	listener := &mockConfigListener{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := cm.StartWatching(ctx, listener); err != nil {
		t.Fatalf("Failed to start watching: %v", err)
	}
	t.Cleanup(cm.Stop)

	waitFor(t, 2*time.Second, "initial update", func() bool { return listener.count() == 1 })
	return listener
}

// ============================================================================
// LoadGlobalConfig Tests
// ============================================================================

func TestLoadGlobalConfig_NonExistentFile(t *testing.T) {
	config, err := LoadGlobalConfig(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}

	if config.Host != "127.0.0.1" {
		t.Errorf("Expected default host 127.0.0.1, got: %s", config.Host)
	}
	if config.Port != 4321 {
		t.Errorf("Expected default port 4321, got: %d", config.Port)
	}
	if config.FailureRetries != 3 {
		t.Errorf("Expected default failure retries 3, got: %d", config.FailureRetries)
	}
	if config.LogDir != "logs" {
		t.Errorf("Expected default log dir logs, got: %s", config.LogDir)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected default log level info, got: %s", config.LogLevel)
	}
}

func TestLoadGlobalConfig_ValidFile(t *testing.T) {
	content := `host: 0.0.0.0
port: 8080
failure_webhook_url: https://example.com/webhook
failure_retries: 5
authorization: user:pass
log_dir: /var/log/procwatch
log_level: debug
jobs:
  - name: test-job
    command: echo hi
`
	config, err := LoadGlobalConfig(createTempYAML(t, content))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Host != "0.0.0.0" {
		t.Errorf("Expected host 0.0.0.0, got: %s", config.Host)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got: %d", config.Port)
	}
	if config.FailureWebhookURL != "https://example.com/webhook" {
		t.Errorf("Expected webhook URL, got: %s", config.FailureWebhookURL)
	}
	if config.FailureRetries != 5 {
		t.Errorf("Expected failure retries 5, got: %d", config.FailureRetries)
	}
	if config.Authorization != "user:pass" {
		t.Errorf("Expected authorization user:pass, got: %s", config.Authorization)
	}
	if config.LogDir != "/var/log/procwatch" {
		t.Errorf("Expected log dir /var/log/procwatch, got: %s", config.LogDir)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got: %s", config.LogLevel)
	}
}

func TestLoadGlobalConfig_InvalidYAML(t *testing.T) {
	_, err := LoadGlobalConfig(createTempYAML(t, "host: [unclosed\n"))
	if err == nil {
		t.Fatal("Expected error for invalid YAML")
	}
}

// ============================================================================
// JobConfig Tests
// ============================================================================

func TestJobConfig_Defaults(t *testing.T) {
	var jc JobConfig
	if !jc.IsEnabled() {
		t.Error("nil Enabled should mean enabled")
	}
	if jc.IsScheduled() {
		t.Error("empty schedule should mean continuous")
	}
	if jc.restartDelay() != defaultRestartDelay {
		t.Errorf("Expected default restart delay, got %v", jc.restartDelay())
	}
	if jc.stopTimeout() != defaultStopTimeout {
		t.Errorf("Expected default stop timeout, got %v", jc.stopTimeout())
	}

	jc.Enabled = boolPtr(false)
	jc.Schedule = "*/5 * * * *"
	if jc.IsEnabled() {
		t.Error("explicit false should mean disabled")
	}
	if !jc.IsScheduled() {
		t.Error("schedule should mean scheduled")
	}
}

func TestJobConfig_DurationsFromYAML(t *testing.T) {
	content := `jobs:
  - name: slow
    command: sleep 1
    restart_delay: 250ms
    stop_timeout: 2s
    input: |
      hello
`
	cm := NewConfigManager(createTempYAML(t, content))
	if err := cm.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	job, _, ok := cm.GetJob("slow")
	if !ok {
		t.Fatal("job not found")
	}
	if job.RestartDelay != 250*time.Millisecond {
		t.Errorf("Expected restart delay 250ms, got %v", job.RestartDelay)
	}
	if job.StopTimeout != 2*time.Second {
		t.Errorf("Expected stop timeout 2s, got %v", job.StopTimeout)
	}
	if job.Input != "hello\n" {
		t.Errorf("Expected input %q, got %q", "hello\n", job.Input)
	}
}

// ============================================================================
// ConfigManager API Tests
// ============================================================================

func TestConfigManager_MissingFileIsCreated(t *testing.T) {
	yamlPath := createTempYAML(t, "")
	cm := NewConfigManager(yamlPath)
	if err := cm.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if _, err := os.Stat(yamlPath); err != nil {
		t.Fatalf("Expected file to be created: %v", err)
	}
	if cm.JobCount() != 0 {
		t.Errorf("Expected 0 jobs, got %d", cm.JobCount())
	}
}

func TestConfigManager_CRUD(t *testing.T) {
	cm := NewConfigManager(createTempYAML(t, "jobs: []\n"))
	if err := cm.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	if err := cm.AddJob(JobConfig{Name: "a", Command: "echo a"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := cm.AddJob(JobConfig{Name: "b", Command: "echo b"}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := cm.AddJob(JobConfig{Name: "a", Command: "again"}); !errors.Is(err, ErrJobExists) {
		t.Errorf("Expected ErrJobExists for duplicate, got %v", err)
	}

	if err := cm.UpdateJob("a", JobConfig{Name: "a", Command: "echo A"}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if err := cm.UpdateJob("missing", JobConfig{Name: "missing"}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
	if err := cm.UpdateJob("a", JobConfig{Name: "b", Command: "x"}); !errors.Is(err, ErrJobExists) {
		t.Errorf("Expected ErrJobExists on rename collision, got %v", err)
	}

	if err := cm.SetJobEnabled("b", false); err != nil {
		t.Fatalf("SetJobEnabled: %v", err)
	}

	a, idx, ok := cm.GetJob("a")
	if !ok || idx != 0 || a.Command != "echo A" {
		t.Errorf("Unexpected job a: %+v at %d (found %v)", a, idx, ok)
	}
	b, _, _ := cm.GetJob("b")
	if b.IsEnabled() {
		t.Error("Expected b to be disabled")
	}

	if err := cm.DeleteJob("a"); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := cm.DeleteJob("a"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound on second delete, got %v", err)
	}

	names := []string{}
	for _, job := range cm.ListJobs() {
		names = append(names, job.Name)
	}
	if !slices.Equal(names, []string{"b"}) {
		t.Errorf("Expected [b], got %v", names)
	}
}

func TestConfigManager_FailedMutationKeepsState(t *testing.T) {
	cm := NewConfigManager(createTempYAML(t, "jobs:\n  - name: a\n    command: echo\n"))
	if err := cm.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if err := cm.UpdateJob("nope", JobConfig{Name: "nope"}); err == nil {
		t.Fatal("Expected error")
	}
	if cm.JobCount() != 1 {
		t.Errorf("Expected 1 job, got %d", cm.JobCount())
	}
}

func TestConfigManager_PersistenceAcrossOperations(t *testing.T) {
	content := `host: localhost
port: 8080
jobs:
  - name: original
    command: echo
`
	yamlPath := createTempYAML(t, content)

	cm1 := NewConfigManager(yamlPath)
	if err := cm1.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load initial config: %v", err)
	}
	if err := cm1.AddJob(JobConfig{Name: "added", Command: "ls"}); err != nil {
		t.Fatalf("Failed to add job: %v", err)
	}

	cm2 := NewConfigManager(yamlPath)
	if err := cm2.loadFromDisk(); err != nil {
		t.Fatalf("Failed to load config with second manager: %v", err)
	}
	if cm2.JobCount() != 2 {
		t.Errorf("Expected 2 jobs in second manager, got %d", cm2.JobCount())
	}

	globalConfig, err := LoadGlobalConfig(yamlPath)
	if err != nil {
		t.Fatalf("Failed to load global config: %v", err)
	}
	if globalConfig.Host != "localhost" || globalConfig.Port != 8080 {
		t.Errorf("Expected global config to be preserved, got %s:%d", globalConfig.Host, globalConfig.Port)
	}
}

// ============================================================================
// File Watching Tests
// ============================================================================

func TestConfigManager_StartWatching_InitialLoad(t *testing.T) {
	cm := NewConfigManager(createTempYAML(t, "jobs:\n  - name: a\n    command: echo\n"))
	listener := startWatching(t, cm)

	update := listener.last()
	if len(update.jobs) != 1 {
		t.Errorf("Expected 1 job in initial update, got %d", len(update.jobs))
	}
	if len(update.toStop) != 0 {
		t.Errorf("Expected nothing to stop initially, got %v", update.toStop)
	}
}

func TestConfigManager_StartWatching_FileChange(t *testing.T) {
	yamlPath := createTempYAML(t, "jobs:\n  - name: a\n    command: echo\n")
	cm := NewConfigManager(yamlPath)
	listener := startWatching(t, cm)

	// mtime granularity can be coarse
	time.Sleep(20 * time.Millisecond)
	newContent := "jobs:\n  - name: a\n    command: echo changed\n  - name: b\n    command: ls\n"
	if err := os.WriteFile(yamlPath, []byte(newContent), 0644); err != nil {
		t.Fatalf("Failed to modify file: %v", err)
	}
	future := time.Now().Add(time.Second)
	os.Chtimes(yamlPath, future, future)

	waitFor(t, 3*time.Second, "file change update", func() bool { return listener.count() >= 2 })

	update := listener.last()
	if len(update.jobs) != 2 {
		t.Errorf("Expected 2 jobs after change, got %d", len(update.jobs))
	}
	if !slices.Equal(update.toStop, []string{"a"}) {
		t.Errorf("Expected [a] to stop, got %v", update.toStop)
	}
}

func TestConfigManager_StartWatching_TouchWithoutChange(t *testing.T) {
	yamlPath := createTempYAML(t, "jobs:\n  - name: a\n    command: echo\n")
	cm := NewConfigManager(yamlPath)
	listener := startWatching(t, cm)

	future := time.Now().Add(time.Second)
	os.Chtimes(yamlPath, future, future)
	time.Sleep(300 * time.Millisecond)

	if listener.count() != 1 {
		t.Errorf("Expected no update for a touch, got %d updates", listener.count())
	}
}

// API edits must reach the listener as jobs to stop, otherwise the manager
// keeps running the old definition.
func TestConfigManager_APIChangeReportsJobsToStop(t *testing.T) {
	tests := []struct {
		name   string
		apply  func(cm *ConfigManager) error
		toStop []string
		count  int
	}{
		{
			name:   "enable disabled job",
			apply:  func(cm *ConfigManager) error { return cm.SetJobEnabled("a", true) },
			toStop: []string{"a"},
			count:  1,
		},
		{
			name:   "modify job",
			apply:  func(cm *ConfigManager) error { return cm.UpdateJob("a", JobConfig{Name: "a", Command: "date"}) },
			toStop: []string{"a"},
			count:  1,
		},
		{
			name:   "delete job",
			apply:  func(cm *ConfigManager) error { return cm.DeleteJob("a") },
			toStop: []string{"a"},
			count:  0,
		},
		{
			name:   "add job",
			apply:  func(cm *ConfigManager) error { return cm.AddJob(JobConfig{Name: "b", Command: "ls"}) },
			toStop: []string{},
			count:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cm := NewConfigManager(createTempYAML(t, "jobs:\n  - name: a\n    command: echo\n    enabled: false\n"))
			listener := startWatching(t, cm)

			if err := tt.apply(cm); err != nil {
				t.Fatalf("API call failed: %v", err)
			}
			waitFor(t, 2*time.Second, "API update", func() bool { return listener.count() >= 2 })

			update := listener.last()
			if !slices.Equal(update.toStop, tt.toStop) {
				t.Errorf("Expected toStop %v, got %v", tt.toStop, update.toStop)
			}
			if len(update.jobs) != tt.count {
				t.Errorf("Expected %d jobs, got %d", tt.count, len(update.jobs))
			}
		})
	}
}

// ============================================================================
// Helper Function Tests
// ============================================================================

func TestCalculateJobsToStop(t *testing.T) {
	base := []JobConfig{
		{Name: "a", Command: "echo"},
		{Name: "b", Command: "ls", Env: map[string]string{"K": "V"}},
	}

	tests := []struct {
		name string
		next []JobConfig
		want []string
	}{
		{"unchanged", base, []string{}},
		{"deleted", base[:1], []string{"b"}},
		{"added", append(slices.Clone(base), JobConfig{Name: "c", Command: "date"}), []string{}},
		{"command changed", []JobConfig{{Name: "a", Command: "echo 2"}, base[1]}, []string{"a"}},
		{"env changed", []JobConfig{base[0], {Name: "b", Command: "ls", Env: map[string]string{"K": "W"}}}, []string{"b"}},
		{"disabled", []JobConfig{{Name: "a", Command: "echo", Enabled: boolPtr(false)}, base[1]}, []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateJobsToStop(base, tt.next)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestJobConfigsEqual(t *testing.T) {
	a := JobConfig{Name: "a", Command: "echo", Env: map[string]string{}}
	b := JobConfig{Name: "a", Command: "echo"}
	if !jobConfigsEqual(a, b) {
		t.Error("empty and nil env should be equal")
	}

	b.Enabled = boolPtr(true)
	if !jobConfigsEqual(a, b) {
		t.Error("nil and true enabled should be equal")
	}

	b.StopTimeout = time.Second
	if jobConfigsEqual(a, b) {
		t.Error("different stop timeouts should differ")
	}
}
