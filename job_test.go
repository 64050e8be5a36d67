package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mrexodia/procwatch/process"
)

func newIdleJob(t *testing.T, cfg JobConfig) *Job {
	t.Helper()
	return NewJob(cfg, nil, nil, t.TempDir())
}

func TestCircularBuffer_KeepsTail(t *testing.T) {
	cb := NewCircularBuffer(8)

	cb.Write([]byte("abc"))
	cb.Write([]byte("defg"))
	if got := string(cb.Read()); got != "abcdefg" {
		t.Errorf("Expected abcdefg, got %q", got)
	}

	cb.Write([]byte("hij"))
	if got := string(cb.Read()); got != "cdefghij" {
		t.Errorf("Expected cdefghij, got %q", got)
	}

	cb.Write([]byte("0123456789"))
	if got := string(cb.Read()); got != "23456789" {
		t.Errorf("Expected 23456789, got %q", got)
	}
}

func TestCircularBuffer_ReadReturnsCopy(t *testing.T) {
	cb := NewCircularBuffer(16)
	cb.Write([]byte("hello"))

	out := cb.Read()
	out[0] = 'X'
	if got := string(cb.Read()); got != "hello" {
		t.Errorf("Buffer was modified through Read result: %q", got)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()

	b.Broadcast("one")
	if msg := <-ch; msg != "one" {
		t.Errorf("Expected one, got %q", msg)
	}

	// a full subscriber drops messages instead of blocking
	for range 150 {
		b.Broadcast("x")
	}
	if len(ch) != cap(ch) {
		t.Errorf("Expected a full channel, got %d/%d", len(ch), cap(ch))
	}

	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	for range ch {
	}
	b.Broadcast("after")
}

func TestJobEnvironmentPrecedence(t *testing.T) {
	workdir := t.TempDir()
	dotenv := "FROM_DOTENV=dotenv\nOVERRIDDEN=dotenv\n"
	if err := os.WriteFile(filepath.Join(workdir, ".env"), []byte(dotenv), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Setenv("PROCWATCH_FROM_PARENT", "parent")
	t.Setenv("OVERRIDDEN", "parent")

	job := newIdleJob(t, JobConfig{
		Name:    "env",
		Command: "env",
		Workdir: workdir,
		Env:     map[string]string{"OVERRIDDEN": "config", "FROM_CONFIG": "config"},
	})

	env, err := job.environment()
	if err != nil {
		t.Fatalf("environment: %v", err)
	}
	if !slices.IsSorted(env) {
		t.Error("Expected a sorted environment")
	}

	for _, want := range []string{
		"PROCWATCH_FROM_PARENT=parent",
		"FROM_DOTENV=dotenv",
		"FROM_CONFIG=config",
		"OVERRIDDEN=config",
	} {
		if !slices.Contains(env, want) {
			t.Errorf("Expected %s in environment", want)
		}
	}

	if !strings.Contains(string(job.StdoutBuffer()), "Loaded 2 environment variables from .env file") {
		t.Errorf("Expected a .env event, got %q", job.StdoutBuffer())
	}
}

func TestJobEnvironmentBadDotenv(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, ".env"), []byte("BROKEN='unterminated\n"), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	job := newIdleJob(t, JobConfig{Name: "env", Command: "env", Workdir: workdir})
	if _, err := job.environment(); err == nil {
		t.Fatal("Expected an error for a malformed .env file")
	}
}

func TestJobLogEventGoesToBothStreams(t *testing.T) {
	job := newIdleJob(t, JobConfig{Name: "events", Command: "true"})
	sub := job.Subscribe(process.Stderr)
	defer job.Unsubscribe(process.Stderr, sub)

	job.logEvent("hello")

	pattern := regexp.MustCompile(`^\[procwatch\]\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] hello\n$`)
	if !pattern.Match(job.StdoutBuffer()) {
		t.Errorf("Unexpected stdout event %q", job.StdoutBuffer())
	}
	if !pattern.Match(job.StderrBuffer()) {
		t.Errorf("Unexpected stderr event %q", job.StderrBuffer())
	}
	if msg := <-sub; !pattern.MatchString(msg) {
		t.Errorf("Unexpected broadcast %q", msg)
	}
}

func TestJobLoadsLogTail(t *testing.T) {
	logDir := t.TempDir()
	big := bytes.Repeat([]byte("a"), logBufferSize)
	content := append(big, []byte("tail\n")...)
	if err := os.WriteFile(filepath.Join(logDir, "tail-stdout.log"), content, 0644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}

	job := NewJob(JobConfig{Name: "tail", Command: "true"}, nil, nil, logDir)

	out := job.StdoutBuffer()
	if len(out) != logBufferSize {
		t.Errorf("Expected %d bytes, got %d", logBufferSize, len(out))
	}
	if !bytes.HasSuffix(out, []byte("tail\n")) {
		t.Errorf("Expected the tail of the log, got ...%q", out[max(len(out)-10, 0):])
	}
	if len(job.StderrBuffer()) != 0 {
		t.Error("Expected an empty stderr buffer without a log file")
	}
}

func TestJobNotRunning(t *testing.T) {
	job := newIdleJob(t, JobConfig{Name: "idle", Command: "true"})
	if err := job.WriteInput([]byte("x")); err == nil || !strings.Contains(err.Error(), "is not running") {
		t.Errorf("Expected not running error, got %v", err)
	}
	if err := job.Stop(); err != nil {
		t.Errorf("Stop on an idle job: %v", err)
	}
	if st := job.Status(); st.Running || st.PID != 0 || st.LastRunTime != nil {
		t.Errorf("Unexpected idle status %+v", st)
	}
}

func TestSubscribeWithHistoryDeliversEachChunkOnce(t *testing.T) {
	job := newIdleJob(t, JobConfig{Name: "chunks", Command: "true"})
	const chunks = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range chunks {
			job.appendLog(process.Stdout, fmt.Sprintf("%04d\n", i))
		}
	}()

	time.Sleep(time.Millisecond)
	history, ch := job.SubscribeWithHistory(process.Stdout)

	var live []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			live = append(live, msg)
		}
	}()
	wg.Wait()
	job.Unsubscribe(process.Stdout, ch)
	<-done

	last := -1
	for _, line := range strings.Fields(string(history)) {
		n, err := strconv.Atoi(line)
		if err != nil {
			t.Fatalf("bad history line %q", line)
		}
		last = n
	}
	for _, msg := range live {
		n, err := strconv.Atoi(strings.TrimSpace(msg))
		if err != nil {
			t.Fatalf("bad live message %q", msg)
		}
		if n <= last {
			t.Fatalf("chunk %d delivered again after %d", n, last)
		}
		last = n
	}
}
