// Package script lays out execution directories and writes task payloads
// into them.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the name of the materialized payload inside an execution directory
const FileName = "task.sh"

const (
	dirMode    = 0o755
	scriptMode = 0o755
)

// ErrUnsafeID is returned for ids that would escape the logs root
var ErrUnsafeID = errors.New("unsafe identifier")

// ExecDir returns <logsRoot>/tasks/<taskID>/execs/<execID>. The path depends
// only on its inputs; the logs root may be given with or without a trailing
// separator.
func ExecDir(logsRoot, taskID, execID string) (string, error) {
	if err := checkID("task", taskID); err != nil {
		return "", err
	}
	if err := checkID("execution", execID); err != nil {
		return "", err
	}
	return filepath.Join(logsRoot, "tasks", taskID, "execs", execID), nil
}

// Path returns the script path inside dir
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Materialize creates dir (and parents) and writes body to dir/task.sh,
// replacing any previous content. The write goes to a temporary file that is
// renamed into place, so readers never see a partially written script.
func Materialize(dir, body string) (string, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("create execution dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+FileName+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp script: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("write script: %w", err)
	}
	if err := tmp.Chmod(scriptMode); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("chmod script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close script: %w", err)
	}

	path := Path(dir)
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return "", fmt.Errorf("install script: %w", err)
	}
	return path, nil
}

func checkID(kind, id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("%w: %s id %q", ErrUnsafeID, kind, id)
	case strings.ContainsAny(id, `/\`+"\x00"):
		return fmt.Errorf("%w: %s id %q contains a path separator", ErrUnsafeID, kind, id)
	}
	return nil
}
