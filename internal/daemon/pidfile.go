package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PIDFileName is the PID file written under the data directory
const PIDFileName = "steer.pid"

// PIDFile records the process id of a running steer server
type PIDFile struct {
	path string
}

// NewPIDFile returns the PID file inside dataDir
func NewPIDFile(dataDir string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataDir, PIDFileName)}
}

// Path returns the file location
func (p *PIDFile) Path() string {
	return p.path
}

// Write stores the current process id, creating the directory if needed
func (p *PIDFile) Write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Remove deletes the file; a missing file is not an error
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// Read returns the recorded process id
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", p.path)
	}
	return pid, nil
}

// Since returns how long ago the file was written
func (p *PIDFile) Since() (time.Duration, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}

// IsRunning reports whether the recorded process is alive
func (p *PIDFile) IsRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix FindProcess always succeeds; signal 0 probes for existence.
	return process.Signal(syscall.Signal(0)) == nil
}

// Signal sends sig to the recorded process
func (p *PIDFile) Signal(sig os.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}
