package main

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/mrexodia/procwatch/loop"
)

func runGoBuild(pkg, out string) error {
	cmd := exec.Command("go", "build", "-o", out, pkg)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w\n%s", err, string(b))
	}
	return nil
}

// startTestLoop runs a loop in the background for the duration of the test
func startTestLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l, err := loop.New()
	if err != nil {
		t.Fatalf("Failed to create loop: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		l.Close()
	})
	return l
}

// newTestManager returns a manager whose jobs log into a temp dir
func newTestManager(t *testing.T, global GlobalConfig) *JobManager {
	t.Helper()
	if global.LogDir == "" {
		global.LogDir = t.TempDir()
	}
	if global.FailureRetries == 0 {
		global.FailureRetries = defaultFailureRetries
	}
	m := NewJobManager(global, startTestLoop(t))
	t.Cleanup(m.StopAll)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func jobStatus(t *testing.T, m *JobManager, name string) Status {
	t.Helper()
	st, err := m.JobStatus(name)
	if err != nil {
		t.Fatalf("JobStatus(%s): %v", name, err)
	}
	return st
}

func boolPtr(b bool) *bool {
	return &b
}
