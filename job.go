package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/loop"
	"github.com/mrexodia/procwatch/process"
)

const (
	// maxPendingInput bounds the stdin bytes queued behind a full pipe
	maxPendingInput    = 1 << 20
	inputRetryInterval = 20 * time.Millisecond
)

// ExitCallback is called after every run of a job, successful or not
type ExitCallback func(job *Job, consecutiveFailures int, exitCode int)

// Job is a managed command. Every method except the log buffer and
// subscription accessors must be called on the loop goroutine.
type Job struct {
	Config JobConfig

	loop    *loop.Loop
	spawner *process.Spawner
	logDir  string
	log     *log.Entry

	proc      *process.Process
	startTime time.Time
	restarts  int

	lastRunTime         time.Time
	lastExitCode        int
	lastDuration        time.Duration
	consecutiveFailures int
	exitCallback        ExitCallback

	// stopping suppresses automatic restarts until the next explicit start
	stopping      bool
	restartOnExit bool
	restartTimer  *time.Timer
	killTimer     *time.Timer

	// stdin bytes the child has not accepted yet
	pendingInput    []byte
	closeInputAfter bool
	inputTimer      *time.Timer

	stdoutBuf       *CircularBuffer
	stderrBuf       *CircularBuffer
	stdoutFile      *os.File
	stderrFile      *os.File
	stdoutBroadcast *Broadcaster
	stderrBroadcast *Broadcaster
	// outputMu orders buffer appends against history snapshots
	outputMu sync.Mutex
}

// Status is the JSON view of a job
type Status struct {
	Name                string        `json:"name"`
	Command             string        `json:"command"`
	Running             bool          `json:"running"`
	PID                 int           `json:"pid"`
	Uptime              time.Duration `json:"uptime"`
	Restarts            int           `json:"restarts"`
	LastRunTime         *time.Time    `json:"lastRunTime,omitempty"`
	LastExitCode        int           `json:"lastExitCode"`
	LastDuration        time.Duration `json:"lastDuration"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	Enabled             bool          `json:"enabled"`
	Schedule            string        `json:"schedule,omitempty"`
	NextRunTime         *time.Time    `json:"nextRunTime,omitempty"`
}

func NewJob(cfg JobConfig, l *loop.Loop, spawner *process.Spawner, logDir string) *Job {
	j := &Job{
		Config:          cfg,
		loop:            l,
		spawner:         spawner,
		logDir:          logDir,
		log:             log.WithFields(log.Fields{"component": "job", "job": cfg.Name}),
		stdoutBuf:       NewCircularBuffer(logBufferSize),
		stderrBuf:       NewCircularBuffer(logBufferSize),
		stdoutBroadcast: NewBroadcaster(),
		stderrBroadcast: NewBroadcaster(),
	}
	j.loadExistingLogs()
	return j
}

func (j *Job) SetExitCallback(cb ExitCallback) {
	j.exitCallback = cb
}

func (j *Job) IsRunning() bool {
	return j.proc != nil && j.proc.IsRunning()
}

// Start spawns the job's command
func (j *Job) Start() error {
	if j.IsRunning() {
		return fmt.Errorf("job %s is already running", j.Config.Name)
	}
	j.stopping = false
	j.cancelRestart()
	j.resetInput()

	if err := j.openLogFiles(); err != nil {
		return err
	}

	env, err := j.environment()
	if err != nil {
		j.logEvent(fmt.Sprintf("Failed to prepare environment: %v", err))
		j.closeLogFiles()
		return err
	}

	p, err := j.spawner.Spawn(j.Config.Command, process.Config{
		Dir:           j.Config.Workdir,
		Env:           env,
		MonitorStdout: true,
		MonitorStderr: true,
		OnOutput:      j.onOutput,
		OnExit:        j.onExit,
	})
	if err != nil {
		j.logEvent(fmt.Sprintf("Failed to start job '%s': %v", j.Config.Name, err))
		j.closeLogFiles()
		return fmt.Errorf("failed to start job %s: %w", j.Config.Name, err)
	}

	j.proc = p
	j.startTime = time.Now()

	kind := "continuous"
	if j.Config.IsScheduled() {
		kind = "scheduled"
	}
	j.logEvent(fmt.Sprintf("Starting %s job '%s' (PID: %d)", kind, j.Config.Name, p.Pid()))

	if j.Config.Input != "" {
		if err := j.WriteInput([]byte(j.Config.Input)); err != nil {
			j.log.WithError(err).Warn("writing configured input")
		}
		if err := j.CloseInput(); err != nil {
			j.log.WithError(err).Debug("closing stdin")
		}
	}
	return nil
}

// WriteInput queues data for the job's stdin and writes as much as the pipe
// takes right now. The rest is written from the loop as the child reads.
func (j *Job) WriteInput(data []byte) error {
	if !j.IsRunning() {
		return fmt.Errorf("job %s %w", j.Config.Name, ErrJobNotRunning)
	}
	if j.closeInputAfter {
		return fmt.Errorf("job %s: %w", j.Config.Name, process.ErrInputClosed)
	}
	if len(j.pendingInput)+len(data) > maxPendingInput {
		return fmt.Errorf("job %s %w (%d bytes queued)", j.Config.Name, ErrInputBacklog, len(j.pendingInput))
	}
	j.pendingInput = append(j.pendingInput, data...)
	return j.flushInput()
}

// CloseInput closes the job's stdin once the queued input is written
func (j *Job) CloseInput() error {
	if !j.IsRunning() {
		return fmt.Errorf("job %s %w", j.Config.Name, ErrJobNotRunning)
	}
	if len(j.pendingInput) > 0 {
		j.closeInputAfter = true
		return nil
	}
	return j.proc.CloseInput()
}

func (j *Job) flushInput() error {
	p := j.proc
	for len(j.pendingInput) > 0 {
		n, err := p.WriteInput(j.pendingInput)
		j.pendingInput = j.pendingInput[n:]
		if errors.Is(err, process.ErrInputFull) {
			j.retryInput(p)
			return nil
		}
		if err != nil {
			j.pendingInput = nil
			j.closeInputAfter = false
			return err
		}
	}
	j.pendingInput = nil
	if j.closeInputAfter {
		j.closeInputAfter = false
		return p.CloseInput()
	}
	return nil
}

func (j *Job) retryInput(p *process.Process) {
	if j.inputTimer != nil {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(inputRetryInterval, func() {
		j.loop.Post(func() {
			if j.inputTimer != timer {
				return
			}
			j.inputTimer = nil
			if j.proc != p || !p.IsRunning() {
				return
			}
			if err := j.flushInput(); err != nil {
				j.log.WithError(err).Warn("writing queued input")
			}
		})
	})
	j.inputTimer = timer
}

// resetInput drops queued input
func (j *Job) resetInput() {
	if j.inputTimer != nil {
		j.inputTimer.Stop()
		j.inputTimer = nil
	}
	j.pendingInput = nil
	j.closeInputAfter = false
}

// Stop asks the job to terminate and disables automatic restarts. A job
// that ignores the request is killed after its stop timeout. Stop does not
// wait; the exit is handled by the usual exit path.
func (j *Job) Stop() error {
	j.stopping = true
	j.cancelRestart()

	if !j.IsRunning() {
		return nil
	}

	p := j.proc
	j.logEvent(fmt.Sprintf("Stopping job '%s' (PID: %d)", j.Config.Name, p.Pid()))
	if err := requestStop(p); err != nil {
		return fmt.Errorf("failed to stop job %s: %w", j.Config.Name, err)
	}

	timeout := j.Config.stopTimeout()
	j.stopKillTimer()
	j.killTimer = time.AfterFunc(timeout, func() {
		j.loop.Post(func() {
			if j.proc != p || !p.IsRunning() {
				return
			}
			j.logEvent(fmt.Sprintf("Job '%s' (PID: %d) did not stop after %v, killing it",
				j.Config.Name, p.Pid(), timeout))
			if err := p.Kill(0); err != nil {
				j.log.WithError(err).Warn("kill")
			}
		})
	})
	return nil
}

// Restart stops the job and starts it again once it has exited
func (j *Job) Restart() error {
	if !j.IsRunning() {
		return j.Start()
	}
	if err := j.Stop(); err != nil {
		return err
	}
	j.restartOnExit = true
	return nil
}

// Shutdown kills the job and reaps it before returning
func (j *Job) Shutdown() {
	j.stopping = true
	j.restartOnExit = false
	j.cancelRestart()
	j.stopKillTimer()
	if !j.IsRunning() {
		return
	}
	p := j.proc
	j.logEvent(fmt.Sprintf("Killing job '%s' (PID: %d) on shutdown", j.Config.Name, p.Pid()))
	if err := p.Kill(0); err != nil {
		j.log.WithError(err).Warn("kill on shutdown")
	}
	if _, err := p.Wait(); err != nil {
		j.log.WithError(err).Warn("wait on shutdown")
	}
}

func (j *Job) Status() Status {
	st := Status{
		Name:                j.Config.Name,
		Command:             j.Config.Command,
		Running:             j.IsRunning(),
		Restarts:            j.restarts,
		LastExitCode:        j.lastExitCode,
		LastDuration:        j.lastDuration,
		ConsecutiveFailures: j.consecutiveFailures,
		Enabled:             j.Config.IsEnabled(),
		Schedule:            j.Config.Schedule,
	}
	if st.Running {
		st.PID = j.proc.Pid()
		st.Uptime = time.Since(j.startTime)
	}
	if !j.lastRunTime.IsZero() {
		t := j.lastRunTime
		st.LastRunTime = &t
	}
	return st
}

func (j *Job) StdoutBuffer() []byte { return j.stdoutBuf.Read() }

func (j *Job) StderrBuffer() []byte { return j.stderrBuf.Read() }

func (j *Job) Subscribe(stream process.Stream) chan string {
	return j.broadcaster(stream).Subscribe()
}

// SubscribeWithHistory returns the buffered output and a subscription that
// starts exactly where the history ends.
func (j *Job) SubscribeWithHistory(stream process.Stream) ([]byte, chan string) {
	j.outputMu.Lock()
	defer j.outputMu.Unlock()
	buf := j.stdoutBuf
	if stream == process.Stderr {
		buf = j.stderrBuf
	}
	return buf.Read(), j.broadcaster(stream).Subscribe()
}

func (j *Job) Unsubscribe(stream process.Stream, ch chan string) {
	j.broadcaster(stream).Unsubscribe(ch)
}

func (j *Job) broadcaster(stream process.Stream) *Broadcaster {
	if stream == process.Stderr {
		return j.stderrBroadcast
	}
	return j.stdoutBroadcast
}

// WriteStderrLog writes a message to the stderr log only
func (j *Job) WriteStderrLog(msg string) {
	j.appendLog(process.Stderr, msg)
}

func (j *Job) onOutput(_ *process.Process, stream process.Stream, data []byte) {
	j.appendLog(stream, string(data))
}

func (j *Job) onExit(p *process.Process, exitCode int) {
	if p != j.proc {
		return
	}
	j.stopKillTimer()
	j.resetInput()

	duration := time.Since(j.startTime)
	j.lastRunTime = j.startTime
	j.lastExitCode = exitCode
	j.lastDuration = duration

	kind := "continuous"
	if j.Config.IsScheduled() {
		kind = "scheduled"
	}
	j.logEvent(fmt.Sprintf("Job '%s' (%s) exited with code %d (duration: %v)",
		j.Config.Name, kind, exitCode, duration.Round(time.Millisecond)))
	j.closeLogFiles()

	if exitCode == 0 {
		j.consecutiveFailures = 0
	} else {
		j.consecutiveFailures++
	}
	if j.exitCallback != nil {
		j.exitCallback(j, j.consecutiveFailures, exitCode)
	}

	if j.restartOnExit {
		j.restartOnExit = false
		if err := j.Start(); err != nil {
			j.log.WithError(err).Error("restart")
		}
		return
	}

	// the scheduler starts scheduled jobs
	if j.Config.IsScheduled() || j.stopping {
		return
	}
	if exitCode == 0 {
		j.log.Info("exited successfully, not restarting")
		return
	}
	j.scheduleRestart()
}

func (j *Job) scheduleRestart() {
	if !j.Config.IsEnabled() {
		j.log.Info("disabled, not restarting")
		return
	}
	delay := j.Config.restartDelay()
	j.log.WithField("exit_code", j.lastExitCode).Infof("restarting in %v", delay)

	j.cancelRestart()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		j.loop.Post(func() {
			if j.restartTimer != timer || j.stopping || j.IsRunning() {
				return
			}
			j.restartTimer = nil
			j.restarts++
			if err := j.Start(); err != nil {
				j.log.WithError(err).Error("restart failed")
				j.scheduleRestart()
			}
		})
	})
	j.restartTimer = timer
}

func (j *Job) cancelRestart() {
	if j.restartTimer != nil {
		j.restartTimer.Stop()
		j.restartTimer = nil
	}
}

func (j *Job) stopKillTimer() {
	if j.killTimer != nil {
		j.killTimer.Stop()
		j.killTimer = nil
	}
}

// environment merges, in increasing precedence, the daemon's environment,
// the workdir's .env file and the configured variables
func (j *Job) environment() ([]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}

	if j.Config.Workdir != "" {
		dotenvPath := filepath.Join(j.Config.Workdir, ".env")
		if _, err := os.Stat(dotenvPath); err == nil {
			vars, err := godotenv.Read(dotenvPath)
			if err != nil {
				return nil, fmt.Errorf("failed to parse .env file %s: %w", dotenvPath, err)
			}
			maps.Copy(env, vars)
			j.logEvent(fmt.Sprintf("Loaded %d environment variables from .env file", len(vars)))
		}
	}

	maps.Copy(env, j.Config.Env)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out, nil
}

func (j *Job) appendLog(stream process.Stream, msg string) {
	file, buf := j.stdoutFile, j.stdoutBuf
	if stream == process.Stderr {
		file, buf = j.stderrFile, j.stderrBuf
	}
	if file != nil {
		if _, err := file.WriteString(msg); err != nil {
			j.log.WithError(err).Warn("writing log file")
		}
	}
	j.outputMu.Lock()
	defer j.outputMu.Unlock()
	buf.Write([]byte(msg))
	j.broadcaster(stream).Broadcast(msg)
}

// logEvent writes a daemon event into both of the job's logs
// Format: [procwatch][YYYY-MM-DD HH:MM:SS] message
func (j *Job) logEvent(message string) {
	msg := fmt.Sprintf("[procwatch][%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), message)
	j.appendLog(process.Stdout, msg)
	j.appendLog(process.Stderr, msg)
	j.log.Debug(message)
}

func (j *Job) logPath(stream process.Stream) string {
	return filepath.Join(j.logDir, fmt.Sprintf("%s-%s.log", j.Config.Name, stream))
}

func (j *Job) openLogFiles() error {
	if err := os.MkdirAll(j.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var err error
	j.stdoutFile, err = os.OpenFile(j.logPath(process.Stdout), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open stdout log file: %w", err)
	}
	j.stderrFile, err = os.OpenFile(j.logPath(process.Stderr), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		j.stdoutFile.Close()
		j.stdoutFile = nil
		return fmt.Errorf("failed to open stderr log file: %w", err)
	}
	return nil
}

func (j *Job) closeLogFiles() {
	for _, f := range []**os.File{&j.stdoutFile, &j.stderrFile} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
}

// loadExistingLogs seeds the buffers with the tail of the previous logs
func (j *Job) loadExistingLogs() {
	loadLogTail(j.logPath(process.Stdout), j.stdoutBuf)
	loadLogTail(j.logPath(process.Stderr), j.stderrBuf)
}

func loadLogTail(path string, buf *CircularBuffer) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil || stat.Size() == 0 {
		return
	}
	offset := max(stat.Size()-logBufferSize, 0)
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return
	}
	buf.Write(data)
}
