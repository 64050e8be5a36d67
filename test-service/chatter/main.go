// chatter is a test program for procwatch: it writes lines to stdout and
// stderr, optionally echoes stdin, ignores SIGTERM on request and exits
// with a chosen code.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	lines := flag.Int("lines", 3, "lines to print on stdout")
	stderrLines := flag.Int("stderr", 0, "lines to print on stderr")
	exitCode := flag.Int("exit", 0, "exit code")
	sleepMs := flag.Int("sleep", 0, "sleep ms before exiting")
	echo := flag.Bool("echo", false, "echo stdin to stdout until EOF")
	stubborn := flag.Bool("stubborn", false, "ignore SIGTERM")
	spawn := flag.Bool("spawn", false, "start a long-lived copy of this program")
	flag.Parse()

	if *stubborn {
		signal.Ignore(syscall.SIGTERM)
	}

	if *spawn {
		self, _ := os.Executable()
		child := exec.Command(self, "-lines", "0", "-sleep", "30000")
		if err := child.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "spawn failed:", err)
		} else {
			fmt.Println("spawned-child", child.Process.Pid)
		}
	}

	for i := 1; i <= *lines; i++ {
		fmt.Printf("out %d\n", i)
	}
	for i := 1; i <= *stderrLines; i++ {
		fmt.Fprintf(os.Stderr, "err %d\n", i)
	}

	if *echo {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fmt.Println("echo:", sc.Text())
		}
	}

	time.Sleep(time.Duration(*sleepMs) * time.Millisecond)
	os.Exit(*exitCode)
}
