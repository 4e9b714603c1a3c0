package swap

import (
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

// SuspendInhibitor keeps the station from suspending or shutting down while
// a battery step is running. One instance lives for the service lifetime;
// every step takes its own hold and the step's terminal transition releases
// it. Suspending mid-session would strand a connected battery and lose the
// radio state.
type SuspendInhibitor struct {
	mu   sync.Mutex
	conn *dbus.Conn
	lock *os.File
}

// NewSuspendInhibitor opens a private system bus connection. Holds taken
// later reuse this connection instead of dialing per step.
func NewSuspendInhibitor() (*SuspendInhibitor, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &SuspendInhibitor{conn: conn}, nil
}

// Hold takes a sleep and shutdown inhibitor lock for one battery step. An
// existing hold is kept as-is; login1 releases the lock when the returned
// descriptor is closed.
func (si *SuspendInhibitor) Hold(reason string) error {
	si.mu.Lock()
	defer si.mu.Unlock()

	if si.lock != nil {
		return nil
	}

	obj := si.conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	call := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"sleep:shutdown", // what to inhibit
		"swap-station",   // who
		reason,           // why
		"block")          // mode

	if call.Err != nil {
		return fmt.Errorf("failed to acquire inhibitor lock: %w", call.Err)
	}

	var fd dbus.UnixFD
	if err := call.Store(&fd); err != nil {
		return fmt.Errorf("failed to extract file descriptor: %w", err)
	}

	si.lock = os.NewFile(uintptr(fd), "login1-inhibitor")
	return nil
}

// Release drops the current hold, if any
func (si *SuspendInhibitor) Release() error {
	si.mu.Lock()
	defer si.mu.Unlock()

	if si.lock == nil {
		return nil
	}
	err := si.lock.Close()
	si.lock = nil
	if err != nil {
		return fmt.Errorf("failed to close inhibitor fd: %w", err)
	}
	return nil
}

// Close releases any hold and the bus connection
func (si *SuspendInhibitor) Close() error {
	err := si.Release()

	si.mu.Lock()
	defer si.mu.Unlock()
	if si.conn != nil {
		si.conn.Close()
		si.conn = nil
	}
	return err
}
