package task

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// contentDir is the fixed subdirectory name for task payload files,
// per spec.md §3's "content_uuid (handle to an external payload file
// of documents)".
const contentDir = "update-files"

// writeContent persists r as a new NDJSON file, named by a fresh random
// uuid, under root/update-files and returns that uuid. Atomic write (temp file then
// rename), grounded on the teacher's session.SaveSession discipline
// (internal/session/storage.go).
func writeContent(root string, r io.Reader) (string, error) {
	dir := filepath.Join(root, contentDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("task: create update-files dir: %w", err)
	}

	id := uuid.NewString()
	final := filepath.Join(dir, id+".jsonl")
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("task: create payload file: %w", err)
	}

	w := bufio.NewWriter(f)
	if _, copyErr := io.Copy(w, r); copyErr != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("task: write payload: %w", copyErr)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("task: flush payload: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("task: close payload: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("task: finalize payload: %w", err)
	}
	return id, nil
}

// openContent opens a previously written payload file for reading.
func openContent(root, id string) (*os.File, error) {
	path := filepath.Join(root, contentDir, id+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("task: open payload %s: %w", id, err)
	}
	return f, nil
}

// removeContent deletes a payload file. Missing files are not an error,
// matching spec.md §4.B's "deleted only after the task reaches a
// terminal state" — a second deletion attempt must be idempotent.
func removeContent(root, id string) error {
	path := filepath.Join(root, contentDir, id+".jsonl")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("task: remove payload %s: %w", id, err)
	}
	return nil
}
