package uws

import (
	"os"
	"syscall"
)

// isProcessAlive reports whether pid refers to a live process.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}

// signalProcess sends a cooperative stop (SIGTERM).
func signalProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// killProcess force-terminates. Used only after a cooperative stop was
// given time to work.
func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// ProcessAlive is the exported liveness probe, used by CLI listings.
func ProcessAlive(pid int) bool {
	return isProcessAlive(pid)
}

// SignalStop sends the cooperative stop signal to a worker pid.
func SignalStop(pid int) error {
	return signalProcess(pid)
}

// ForceKill force-terminates a worker pid.
func ForceKill(pid int) error {
	return killProcess(pid)
}
