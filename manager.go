package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/loop"
	"github.com/mrexodia/procwatch/process"
	"github.com/mrexodia/procwatch/webhook"
)

// JobManager owns every job and implements ConfigListener. Its state lives
// on the loop goroutine; methods callable from elsewhere marshal onto it.
type JobManager struct {
	loop    *loop.Loop
	spawner *process.Spawner

	jobs          map[string]*Job
	order         []string          // YAML order
	retired       map[*Job]struct{} // removed from config, still exiting
	cronScheduler *cron.Cron
	cronEntries   map[string]cron.EntryID

	globalConfig    GlobalConfig
	webhookNotifier *webhook.Notifier
	webhookSent     map[string]bool // reset on success
	webhookWg       sync.WaitGroup

	log *log.Entry
}

func NewJobManager(globalConfig GlobalConfig, l *loop.Loop) *JobManager {
	cronScheduler := cron.New()
	cronScheduler.Start()

	entry := log.WithField("component", "manager")
	return &JobManager{
		loop:            l,
		spawner:         process.NewSpawner(l, process.WithLogger(log.WithField("component", "process"))),
		jobs:            make(map[string]*Job),
		retired:         make(map[*Job]struct{}),
		order:           make([]string, 0),
		cronScheduler:   cronScheduler,
		cronEntries:     make(map[string]cron.EntryID),
		globalConfig:    globalConfig,
		webhookNotifier: webhook.NewNotifier(globalConfig.FailureWebhookURL),
		webhookSent:     make(map[string]bool),
		log:             entry,
	}
}

// ============================================================================
// ConfigListener Interface Implementation
// ============================================================================

// OnJobsUpdated implements ConfigListener. It is called from the config
// watcher goroutine and applies the update on the loop.
func (m *JobManager) OnJobsUpdated(jobs []JobConfig, toStop []string) {
	m.loop.Call(func() { m.applyJobs(jobs, toStop) })
}

func (m *JobManager) applyJobs(jobs []JobConfig, toStop []string) {
	m.log.WithField("to_stop", toStop).Info("jobs updated")

	for _, name := range toStop {
		m.removeJob(name)
	}

	newOrder := make([]string, 0, len(jobs))
	inConfig := make(map[string]bool, len(jobs))
	for _, cfg := range jobs {
		newOrder = append(newOrder, cfg.Name)
		inConfig[cfg.Name] = true
	}
	for name := range m.jobs {
		if !inConfig[name] {
			m.removeJob(name)
		}
	}

	created := 0
	for _, cfg := range jobs {
		if job, exists := m.jobs[cfg.Name]; exists {
			job.Config = cfg
			continue
		}
		created++
		job := NewJob(cfg, m.loop, m.spawner, m.globalConfig.LogDir)
		job.SetExitCallback(m.handleJobExit)
		m.jobs[cfg.Name] = job
		m.activate(job)
	}
	m.order = newOrder

	m.log.WithFields(log.Fields{"created": created, "total": len(m.jobs)}).Info("update complete")
}

// activate starts or schedules an enabled job
func (m *JobManager) activate(job *Job) {
	cfg := job.Config
	if !cfg.IsEnabled() {
		return
	}
	entry := m.log.WithField("job", cfg.Name)
	if cfg.IsScheduled() {
		if err := m.scheduleJob(job); err != nil {
			entry.WithError(err).Error("failed to schedule")
			return
		}
		entry.WithField("schedule", cfg.Schedule).Info("scheduled")
		return
	}
	if err := job.Start(); err != nil {
		entry.WithError(err).Error("failed to start")
		return
	}
	entry.Info("started")
}

func (m *JobManager) removeJob(name string) {
	job, exists := m.jobs[name]
	if !exists {
		return
	}
	m.log.WithField("job", name).Info("stopping")
	m.unscheduleJob(name)
	if err := job.Stop(); err != nil {
		m.log.WithField("job", name).WithError(err).Warn("stop failed")
	}
	if job.IsRunning() {
		m.retired[job] = struct{}{}
	}
	delete(m.jobs, name)
}

// ============================================================================
// Queries and runtime control (callable from any goroutine)
// ============================================================================

func (m *JobManager) GetGlobalConfig() GlobalConfig {
	return m.globalConfig
}

// JobStatus returns the status of one job
func (m *JobManager) JobStatus(name string) (Status, error) {
	var st Status
	err := m.withJob(name, func(job *Job) error {
		st = m.status(job)
		return nil
	})
	return st, err
}

// AllStatuses returns every job's status in YAML order
func (m *JobManager) AllStatuses() []Status {
	var out []Status
	m.loop.Call(func() {
		out = make([]Status, 0, len(m.order))
		for _, name := range m.order {
			if job, exists := m.jobs[name]; exists {
				out = append(out, m.status(job))
			}
		}
	})
	return out
}

func (m *JobManager) status(job *Job) Status {
	st := job.Status()
	if id, ok := m.cronEntries[job.Config.Name]; ok {
		next := m.cronScheduler.Entry(id).Next
		if !next.IsZero() {
			st.NextRunTime = &next
		}
	}
	return st
}

// GetJob returns the job for read-only access to its log buffers
func (m *JobManager) GetJob(name string) (*Job, error) {
	var found *Job
	err := m.withJob(name, func(job *Job) error {
		found = job
		return nil
	})
	return found, err
}

func (m *JobManager) StartJob(name string) error {
	return m.withJob(name, (*Job).Start)
}

func (m *JobManager) StopJob(name string) error {
	return m.withJob(name, (*Job).Stop)
}

func (m *JobManager) RestartJob(name string) error {
	return m.withJob(name, (*Job).Restart)
}

func (m *JobManager) WriteInput(name string, data []byte, closeAfter bool) error {
	return m.withJob(name, func(job *Job) error {
		if len(data) > 0 {
			if err := job.WriteInput(data); err != nil {
				return err
			}
		}
		if closeAfter {
			return job.CloseInput()
		}
		return nil
	})
}

func (m *JobManager) withJob(name string, fn func(*Job) error) error {
	var err error
	m.loop.Call(func() {
		job, exists := m.jobs[name]
		if !exists {
			err = fmt.Errorf("job %s %w", name, ErrJobNotFound)
			return
		}
		err = fn(job)
	})
	return err
}

// ============================================================================
// Scheduling
// ============================================================================

func (m *JobManager) scheduleJob(job *Job) error {
	name := job.Config.Name
	m.unscheduleJob(name)

	entryID, err := m.cronScheduler.AddFunc(job.Config.Schedule, func() {
		m.loop.Post(func() { m.runScheduled(name) })
	})
	if err != nil {
		return fmt.Errorf("failed to parse cron schedule %q: %w", job.Config.Schedule, err)
	}
	m.cronEntries[name] = entryID
	return nil
}

func (m *JobManager) runScheduled(name string) {
	job, exists := m.jobs[name]
	if !exists {
		return
	}
	if job.IsRunning() {
		job.WriteStderrLog(fmt.Sprintf("[%s] Scheduled run skipped: previous instance still running\n",
			time.Now().Format("2006-01-02 15:04:05")))
		return
	}
	if err := job.Start(); err != nil {
		m.log.WithField("job", name).WithError(err).Error("failed to start scheduled job")
	}
}

func (m *JobManager) unscheduleJob(name string) {
	if entryID, exists := m.cronEntries[name]; exists {
		m.cronScheduler.Remove(entryID)
		delete(m.cronEntries, name)
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// StopAll stops the scheduler, kills and reaps every job and waits briefly
// for pending webhooks. Must not be called on the loop goroutine.
func (m *JobManager) StopAll() {
	<-m.cronScheduler.Stop().Done()

	m.loop.Call(func() {
		for _, name := range m.order {
			if job, exists := m.jobs[name]; exists {
				job.Shutdown()
			}
		}
		for job := range m.retired {
			job.Shutdown()
		}
	})

	done := make(chan struct{})
	go func() {
		m.webhookWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.log.Warn("timed out waiting for pending webhooks")
	}
}

// handleJobExit runs after every exit; success resets the webhook state
func (m *JobManager) handleJobExit(job *Job, consecutiveFailures int, exitCode int) {
	delete(m.retired, job)
	if _, current := m.jobs[job.Config.Name]; !current || m.jobs[job.Config.Name] != job {
		return
	}

	name := job.Config.Name
	if exitCode == 0 {
		delete(m.webhookSent, name)
		return
	}
	if consecutiveFailures < m.globalConfig.FailureRetries || m.webhookSent[name] {
		return
	}
	if !m.webhookNotifier.Enabled() {
		return
	}

	payload := webhook.FailurePayload{
		JobName:      name,
		Command:      job.Config.Command,
		Timestamp:    time.Now(),
		FailureCount: consecutiveFailures,
		LastExitCode: exitCode,
	}
	m.webhookSent[name] = true
	m.webhookWg.Add(1)
	go func() {
		defer m.webhookWg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		entry := m.log.WithFields(log.Fields{"job": name, "failures": consecutiveFailures})
		if err := m.webhookNotifier.NotifyFailure(ctx, payload); err != nil {
			entry.WithError(err).Error("failed to send webhook")
			return
		}
		entry.Info("webhook sent")
	}()
}
