package process

import (
	"github.com/google/shlex"
	log "github.com/sirupsen/logrus"

	"github.com/mrexodia/procwatch/sysproc"
)

// Config describes how a process is started and observed.
type Config struct {
	// Dir is the working directory. Empty means the parent's.
	Dir string
	// Env replaces the child's environment when non-nil. Entries are
	// "KEY=value".
	Env []string

	// MonitorStdout and MonitorStderr stream the respective output to
	// OnOutput as it arrives. An unmonitored stream is read with Read or
	// ReadStream.
	MonitorStdout bool
	MonitorStderr bool

	OnOutput OutputFunc
	OnExit   ExitFunc
}

// Spawner starts processes on a host loop.
type Spawner struct {
	host Host
	sys  sysproc.OS
	log  *log.Entry
}

// Option configures a Spawner.
type Option func(*Spawner)

// WithOS replaces the platform layer.
func WithOS(sys sysproc.OS) Option {
	return func(s *Spawner) { s.sys = sys }
}

// WithLogger sets the entry process logs are derived from.
func WithLogger(entry *log.Entry) Option {
	return func(s *Spawner) { s.log = entry }
}

// NewSpawner returns a Spawner registering its watches with host.
func NewSpawner(host Host, opts ...Option) *Spawner {
	s := &Spawner{
		host: host,
		sys:  sysproc.Native,
		log:  log.WithField("component", "process"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn splits command with shell quoting rules, starts it with all three
// standard streams piped and begins monitoring it. Must be called on the
// loop goroutine.
//
// On failure a *SpawnError is returned and nothing is left behind: every
// pipe end is closed and no watch is registered.
func (s *Spawner) Spawn(command string, cfg Config) (*Process, error) {
	words, err := shlex.Split(command)
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}
	if len(words) == 0 {
		return nil, &SpawnError{Command: command, Err: ErrEmptyCommand}
	}

	pipes, err := s.sys.CreatePipes()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := s.sys.Command(words)
	cmd.Dir = cfg.Dir
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = pipes.ChildFiles()

	child, err := s.sys.Start(cmd)
	// The child holds its own copies now, or never will.
	if cerr := pipes.CloseChildEnds(); cerr != nil {
		s.log.WithError(cerr).Debug("close child pipe ends")
	}
	if err != nil {
		pipes.Close()
		return nil, &SpawnError{Command: command, Err: err}
	}

	p := &Process{
		command:  command,
		pid:      child.Pid,
		child:    child,
		sys:      s.sys,
		host:     s.host,
		stdinW:   pipes.StdinW,
		stdout:   newChannel(Stdout, pipes.StdoutR, s.sys),
		stderr:   newChannel(Stderr, pipes.StderrR, s.sys),
		onOutput: cfg.OnOutput,
		onExit:   cfg.OnExit,
	}
	p.log = s.log.WithFields(log.Fields{"pid": p.pid, "command": command})
	p.log.Debug("process started")

	p.attach(cfg.MonitorStdout, cfg.MonitorStderr)
	p.watchExit()
	return p, nil
}
