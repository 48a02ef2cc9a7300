package flush

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/StrataLabs/strata/models"
)

type journalEntryKind int

const (
	entryCreatedPath journalEntryKind = iota
	entryBackedUpFile
	entryRemovedDir
)

type journalEntry struct {
	kind       journalEntryKind
	path       string
	backupPath string
	mode       os.FileMode
}

// journal records every destructive step of an atomic pass so rollback
// can undo them in reverse order. A disabled journal (non-atomic mode)
// accepts records and does nothing.
type journal struct {
	enabled bool

	mu      sync.Mutex
	tempDir string
	entries []journalEntry
	seq     int
}

func newJournal(enabled bool) *journal {
	return &journal{enabled: enabled}
}

// backupFile copies path into the journal's temp dir before the caller
// overwrites or removes it.
func (j *journal) backupFile(path string) error {
	if !j.enabled {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.tempDir == "" {
		dir, err := os.MkdirTemp("", "strata-flush-*")
		if err != nil {
			return fmt.Errorf("%w: create backup dir: %v", models.ErrIO, err)
		}
		j.tempDir = dir
	}

	j.seq++
	backup := fmt.Sprintf("%s/%d.bak", j.tempDir, j.seq)
	if err := copyFile(path, backup); err != nil {
		return err
	}
	j.entries = append(j.entries, journalEntry{
		kind:       entryBackedUpFile,
		path:       path,
		backupPath: backup,
	})
	return nil
}

// recordCreated marks a path that did not exist before this pass; rollback
// removes it.
func (j *journal) recordCreated(path string) {
	if !j.enabled {
		return
	}
	j.mu.Lock()
	j.entries = append(j.entries, journalEntry{kind: entryCreatedPath, path: path})
	j.mu.Unlock()
}

// recordRemovedDir marks a directory the pass is about to remove; rollback
// recreates it with the recorded mode. Only empty directories are ever
// removed so recreation restores the tree exactly.
func (j *journal) recordRemovedDir(path string, mode os.FileMode) error {
	if !j.enabled {
		return nil
	}
	j.mu.Lock()
	j.entries = append(j.entries, journalEntry{kind: entryRemovedDir, path: path, mode: mode})
	j.mu.Unlock()
	return nil
}

// rollback undoes recorded steps newest first. All entries are attempted
// even when one fails; the first failure is reported.
func (j *journal) rollback() error {
	if !j.enabled {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	for i := len(j.entries) - 1; i >= 0; i-- {
		en := j.entries[i]
		var err error
		switch en.kind {
		case entryCreatedPath:
			if rmErr := os.RemoveAll(en.path); rmErr != nil {
				err = errors.Wrapf(rmErr, "remove created path %s", en.path)
			}
		case entryBackedUpFile:
			if cpErr := copyFile(en.backupPath, en.path); cpErr != nil {
				err = errors.Wrapf(cpErr, "restore %s", en.path)
			}
		case entryRemovedDir:
			if mkErr := os.MkdirAll(en.path, en.mode.Perm()); mkErr != nil {
				err = errors.Wrapf(mkErr, "recreate directory %s", en.path)
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	j.cleanupLocked()
	return firstErr
}

// discard drops the journal after a successful pass.
func (j *journal) discard() {
	if !j.enabled {
		return
	}
	j.mu.Lock()
	j.cleanupLocked()
	j.mu.Unlock()
}

func (j *journal) cleanupLocked() {
	if j.tempDir != "" {
		_ = os.RemoveAll(j.tempDir)
		j.tempDir = ""
	}
	j.entries = nil
}
