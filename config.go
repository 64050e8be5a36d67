package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 4321
	defaultFailureRetries = 3
	defaultLogDir         = "logs"
	defaultLogLevel       = "info"
	defaultRestartDelay   = 5 * time.Second
	defaultStopTimeout    = 5 * time.Second
)

// ============================================================================
// Configuration Structures
// ============================================================================

// GlobalConfig holds the daemon-wide settings at the top of jobs.yaml
type GlobalConfig struct {
	Host              string `yaml:"host,omitempty"`
	Port              int    `yaml:"port,omitempty"`
	FailureWebhookURL string `yaml:"failure_webhook_url,omitempty"`
	FailureRetries    int    `yaml:"failure_retries,omitempty"` // consecutive failures before the webhook fires
	Authorization     string `yaml:"authorization,omitempty"`   // BasicAuth "username:password"
	LogDir            string `yaml:"log_dir,omitempty"`
	LogLevel          string `yaml:"log_level,omitempty"`
}

func (g *GlobalConfig) applyDefaults() {
	if g.Host == "" {
		g.Host = defaultHost
	}
	if g.Port == 0 {
		g.Port = defaultPort
	}
	if g.FailureRetries == 0 {
		g.FailureRetries = defaultFailureRetries
	}
	if g.LogDir == "" {
		g.LogDir = defaultLogDir
	}
	if g.LogLevel == "" {
		g.LogLevel = defaultLogLevel
	}
}

// JobConfig describes a single job
type JobConfig struct {
	Name         string            `yaml:"name" json:"name"`
	Command      string            `yaml:"command" json:"command"` // full command line, shell quoting rules
	Workdir      string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Input        string            `yaml:"input,omitempty" json:"input,omitempty"`       // written to stdin at start, then stdin is closed
	Enabled      *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`   // nil means true
	Schedule     string            `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron schedule, empty for a continuous job
	RestartDelay time.Duration     `yaml:"restart_delay,omitempty" json:"restartDelay,omitempty"`
	StopTimeout  time.Duration     `yaml:"stop_timeout,omitempty" json:"stopTimeout,omitempty"`
}

func (jc *JobConfig) IsEnabled() bool {
	if jc.Enabled == nil {
		return true
	}
	return *jc.Enabled
}

func (jc *JobConfig) IsScheduled() bool {
	return jc.Schedule != ""
}

func (jc *JobConfig) restartDelay() time.Duration {
	if jc.RestartDelay <= 0 {
		return defaultRestartDelay
	}
	return jc.RestartDelay
}

func (jc *JobConfig) stopTimeout() time.Duration {
	if jc.StopTimeout <= 0 {
		return defaultStopTimeout
	}
	return jc.StopTimeout
}

// RootConfig is the whole of jobs.yaml
type RootConfig struct {
	GlobalConfig `yaml:",inline"`
	Jobs         []JobConfig `yaml:"jobs"`
}

// LoadGlobalConfig reads the global settings, falling back to defaults when
// the file does not exist yet
func LoadGlobalConfig(path string) (GlobalConfig, error) {
	var root RootConfig
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return GlobalConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &root); err != nil {
			return GlobalConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	root.applyDefaults()
	return root.GlobalConfig, nil
}

// ============================================================================
// Configuration Listener Interface
// ============================================================================

// ConfigListener receives notifications about configuration changes
type ConfigListener interface {
	// OnJobsUpdated is called with the complete ordered job list and the
	// names of the jobs that must be stopped first
	OnJobsUpdated(jobs []JobConfig, toStop []string)
}

// ConfigManager owns jobs.yaml and notifies a listener of changes
type ConfigManager struct {
	yamlPath string
	jobs     []JobConfig
	notified []JobConfig // what the listener last saw

	// change detection
	lastModTime  time.Time
	lastChecksum string

	checkInterval  time.Duration
	stopChan       chan struct{}
	stopOnce       sync.Once
	reloadChan     chan struct{} // immediate reload after API changes
	reloadCooldown time.Duration
	lastReload     time.Time

	log *log.Entry
	mu  sync.RWMutex
}

func NewConfigManager(yamlPath string) *ConfigManager {
	return &ConfigManager{
		yamlPath:       yamlPath,
		jobs:           make([]JobConfig, 0),
		checkInterval:  5 * time.Second,
		reloadCooldown: 2 * time.Second,
		stopChan:       make(chan struct{}),
		reloadChan:     make(chan struct{}, 1),
		log:            log.WithField("component", "config"),
	}
}

// StartWatching loads the file, emits the initial state and keeps watching
// the file in the background until ctx is done or Stop is called
func (cm *ConfigManager) StartWatching(ctx context.Context, listener ConfigListener) error {
	if err := cm.loadFromDisk(); err != nil {
		return err
	}

	cm.mu.Lock()
	cm.notified = cm.copyJobs()
	initial := cm.copyJobs()
	cm.mu.Unlock()

	go func() {
		ticker := time.NewTicker(cm.checkInterval)
		defer ticker.Stop()

		// everything is new
		listener.OnJobsUpdated(initial, []string{})

		for {
			select {
			case <-ctx.Done():
				return
			case <-cm.stopChan:
				return
			case <-ticker.C:
				if err := cm.checkAndReload(listener, false); err != nil {
					cm.log.WithError(err).Warn("checking for updates")
				}
			case <-cm.reloadChan:
				if err := cm.checkAndReload(listener, true); err != nil {
					cm.log.WithError(err).Warn("reloading after API change")
				}
			}
		}
	}()

	return nil
}

func (cm *ConfigManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopChan) })
}

// ============================================================================
// Watcher - The Only Place That Emits Events
// ============================================================================

func (cm *ConfigManager) checkAndReload(listener ConfigListener, fromAPI bool) error {
	// mutate just wrote the file and mtime may not have moved
	needsReload, err := cm.needsReload(fromAPI)
	if err != nil || !needsReload {
		return err
	}

	if !fromAPI {
		cm.mu.RLock()
		sinceLast := time.Since(cm.lastReload)
		cm.mu.RUnlock()
		if sinceLast < cm.reloadCooldown {
			return nil
		}
	}

	cm.log.Info("change detected, reloading configuration")
	return cm.reloadAndNotify(listener)
}

// reloadAndNotify is the only method that notifies the listener
func (cm *ConfigManager) reloadAndNotify(listener ConfigListener) error {
	cm.mu.Lock()
	if err := cm.readLocked(); err != nil {
		cm.mu.Unlock()
		return err
	}
	cm.lastReload = time.Now()
	toStop := calculateJobsToStop(cm.notified, cm.jobs)
	cm.notified = cm.copyJobs()
	jobs := cm.copyJobs()
	cm.mu.Unlock()

	cm.log.WithField("to_stop", toStop).Info("jobs updated")
	listener.OnJobsUpdated(jobs, toStop)
	return nil
}

// needsReload reports whether the file content differs from what was last
// loaded. Unless force is set, an unchanged mtime short-circuits the check.
func (cm *ConfigManager) needsReload(force bool) (bool, error) {
	fileInfo, err := os.Stat(cm.yamlPath)
	if err != nil {
		return false, err
	}
	modTime := fileInfo.ModTime()

	cm.mu.RLock()
	lastMod, lastChecksum := cm.lastModTime, cm.lastChecksum
	cm.mu.RUnlock()

	if !force && !modTime.After(lastMod) {
		return false, nil
	}

	checksum, err := cm.fileChecksum()
	if err != nil {
		return false, err
	}
	if checksum == lastChecksum {
		// touched, not changed
		cm.mu.Lock()
		cm.lastModTime = modTime
		cm.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// ============================================================================
// API Methods - Only Save, Never Notify Directly
// ============================================================================

func (cm *ConfigManager) AddJob(config JobConfig) error {
	return cm.mutate(func(jobs []JobConfig) ([]JobConfig, error) {
		if indexOfJob(jobs, config.Name) >= 0 {
			return nil, fmt.Errorf("job %s %w", config.Name, ErrJobExists)
		}
		return append(jobs, config), nil
	})
}

func (cm *ConfigManager) UpdateJob(name string, config JobConfig) error {
	return cm.mutate(func(jobs []JobConfig) ([]JobConfig, error) {
		i := indexOfJob(jobs, name)
		if i < 0 {
			return nil, fmt.Errorf("job %s %w", name, ErrJobNotFound)
		}
		if config.Name != name && indexOfJob(jobs, config.Name) >= 0 {
			return nil, fmt.Errorf("job %s %w", config.Name, ErrJobExists)
		}
		jobs[i] = config
		return jobs, nil
	})
}

func (cm *ConfigManager) DeleteJob(name string) error {
	return cm.mutate(func(jobs []JobConfig) ([]JobConfig, error) {
		i := indexOfJob(jobs, name)
		if i < 0 {
			return nil, fmt.Errorf("job %s %w", name, ErrJobNotFound)
		}
		return slices.Delete(jobs, i, i+1), nil
	})
}

func (cm *ConfigManager) SetJobEnabled(name string, enabled bool) error {
	return cm.mutate(func(jobs []JobConfig) ([]JobConfig, error) {
		i := indexOfJob(jobs, name)
		if i < 0 {
			return nil, fmt.Errorf("job %s %w", name, ErrJobNotFound)
		}
		jobs[i].Enabled = &enabled
		return jobs, nil
	})
}

func (cm *ConfigManager) GetJob(name string) (JobConfig, int, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if i := indexOfJob(cm.jobs, name); i >= 0 {
		return cm.jobs[i], i, true
	}
	return JobConfig{}, -1, false
}

func (cm *ConfigManager) ListJobs() []JobConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.copyJobs()
}

func (cm *ConfigManager) JobCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.jobs)
}

// mutate applies fn to a copy of the job list and saves the result. The
// watcher picks up the saved file and notifies the listener.
func (cm *ConfigManager) mutate(fn func([]JobConfig) ([]JobConfig, error)) error {
	cm.mu.Lock()
	jobs, err := fn(cm.copyJobs())
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	if err := cm.saveToDisk(jobs); err != nil {
		cm.mu.Unlock()
		return err
	}
	cm.jobs = jobs
	cm.mu.Unlock()

	cm.triggerReload()
	return nil
}

func (cm *ConfigManager) triggerReload() {
	select {
	case cm.reloadChan <- struct{}{}:
	default:
		// a reload is already pending
	}
}

// ============================================================================
// Internal Methods
// ============================================================================

func indexOfJob(jobs []JobConfig, name string) int {
	return slices.IndexFunc(jobs, func(j JobConfig) bool { return j.Name == name })
}

func (cm *ConfigManager) copyJobs() []JobConfig {
	return slices.Clone(cm.jobs)
}

func (cm *ConfigManager) loadFromDisk() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, err := os.Stat(cm.yamlPath); os.IsNotExist(err) {
		cm.jobs = make([]JobConfig, 0)
		if err := cm.saveToDisk(cm.jobs); err != nil {
			return err
		}
	}
	return cm.readLocked()
}

// readLocked replaces the in-memory job list with the file's content
func (cm *ConfigManager) readLocked() error {
	fileInfo, err := os.Stat(cm.yamlPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(cm.yamlPath)
	if err != nil {
		return err
	}

	var rootConfig RootConfig
	if err := yaml.Unmarshal(data, &rootConfig); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	cm.jobs = rootConfig.Jobs
	if cm.jobs == nil {
		cm.jobs = make([]JobConfig, 0)
	}
	cm.lastModTime = fileInfo.ModTime()
	cm.lastChecksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return nil
}

// saveToDisk writes jobs while keeping the global settings already in the file
func (cm *ConfigManager) saveToDisk(jobs []JobConfig) error {
	existing, err := os.ReadFile(cm.yamlPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	var rootConfig RootConfig
	if len(existing) > 0 {
		if err := yaml.Unmarshal(existing, &rootConfig); err != nil {
			return err
		}
	}
	rootConfig.Jobs = jobs

	data, err := yaml.Marshal(rootConfig)
	if err != nil {
		return err
	}

	tempPath := cm.yamlPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tempPath, cm.yamlPath); err != nil {
		os.Remove(tempPath)
		return err
	}

	// lastModTime and checksum stay untouched so the watcher sees the change
	return nil
}

func (cm *ConfigManager) fileChecksum() (string, error) {
	data, err := os.ReadFile(cm.yamlPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// calculateJobsToStop returns the jobs that were deleted or changed
func calculateJobsToStop(oldJobs, newJobs []JobConfig) []string {
	newMap := make(map[string]JobConfig, len(newJobs))
	for _, job := range newJobs {
		newMap[job.Name] = job
	}

	toStop := []string{}
	for _, old := range oldJobs {
		updated, exists := newMap[old.Name]
		if !exists || !jobConfigsEqual(old, updated) {
			toStop = append(toStop, old.Name)
		}
	}
	return toStop
}

func jobConfigsEqual(a, b JobConfig) bool {
	return a.Name == b.Name &&
		a.Command == b.Command &&
		a.Workdir == b.Workdir &&
		a.Schedule == b.Schedule &&
		a.Input == b.Input &&
		a.RestartDelay == b.RestartDelay &&
		a.StopTimeout == b.StopTimeout &&
		a.IsEnabled() == b.IsEnabled() &&
		maps.Equal(a.Env, b.Env)
}
