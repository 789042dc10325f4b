// Package util provides filesystem and process helpers shared across pulsewatch
package util

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mitchellh/go-ps"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// CreateMutex acquires a lock file preventing a second pulsewatch instance from
// starting. A stale lock left behind by a dead process is reclaimed.
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
		lockProcessId, convErr := strconv.Atoi(string(lockContent))
		if convErr == nil {
			process, psErr := ps.FindProcess(lockProcessId)
			if psErr == nil && process != nil {
				return fmt.Errorf("another instance of pulsewatch is running (pid %d)", lockProcessId)
			}
		}
	}

	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0664)
	if err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte(strconv.Itoa(currentPid))); err != nil {
		return fmt.Errorf("cannot instantiate mutex: %w", err)
	}

	return nil
}
