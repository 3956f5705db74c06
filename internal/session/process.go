package session

import (
	"os"
	"strconv"
	"strings"
	"syscall"
)

// encodePIDs renders a PID set as the comma-separated text the Session
// row stores it as (models.Session.ChildPIDs).
func encodePIDs(pids []int) string {
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func decodePIDs(s string) []int {
	if s == "" {
		return nil
	}
	fields := strings.Split(s, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if n, err := strconv.Atoi(f); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// processAlive probes the OS for a live process without actually
// sending a signal (signal 0 is the standard liveness check).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminateProcess sends SIGTERM, best-effort. Callers never treat
// failure here as fatal (§4.3 "best-effort; errors are logged, never
// raised").
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

// killProcess sends SIGKILL, used when a child is still alive after
// the grace period (§4.4 step 3).
func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGKILL)
}
