package fork

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

// MergeStrategy decides what happens when both sides changed the same
// path to different content.
type MergeStrategy string

const (
	// MergeAuto attempts a three-way line merge against the fork-point
	// content and records an unresolved conflict when the edits overlap.
	MergeAuto MergeStrategy = "auto"
	// MergePreferFork takes the fork's side of every conflict.
	MergePreferFork MergeStrategy = "prefer_fork"
	// MergePreferTarget keeps the target's side of every conflict.
	MergePreferTarget MergeStrategy = "prefer_target"
	// MergeManual applies nothing conflicted; every conflict is reported
	// with both contents for the caller to resolve.
	MergeManual MergeStrategy = "manual"
)

// pathState is one side's final word on a path after the fork point.
type pathState struct {
	deleted bool
	dir     bool
	digest  string
}

// MergeFork folds a fork's changes back into its source workspace. Paths
// only the fork touched are applied directly; paths both sides touched
// are conflicts, handled per strategy. The fork transitions to a merged
// state; merging again is a no-op for anything already applied, since
// applied paths carry equal digests on both sides.
func (m *Manager) MergeFork(ctx context.Context, forkID uuid.UUID, strategy MergeStrategy) (*models.MergeReport, error) {
	start := time.Now()

	fork, err := m.vfs.GetWorkspace(ctx, forkID)
	if err != nil {
		return nil, err
	}
	if !fork.IsFork() {
		return nil, fmt.Errorf("%w: workspace %s is not a fork", models.ErrInvalidInput, fork.Name)
	}
	if fork.ForkState == models.ForkAbandoned {
		return nil, fmt.Errorf("%w: fork %s was abandoned", models.ErrConflict, fork.Name)
	}

	target, err := m.vfs.GetWorkspace(ctx, fork.Lineage.SourceID)
	if err != nil {
		return nil, err
	}
	if target.ReadOnly {
		return nil, fmt.Errorf("%w: merge target %s", models.ErrReadOnly, target.Name)
	}

	forkedAt := fork.Lineage.ForkedAt
	forkChanges, err := m.vfs.ChangesSince(ctx, forkID, forkedAt)
	if err != nil {
		return nil, err
	}
	targetChanges, err := m.vfs.ChangesSince(ctx, target.ID, forkedAt)
	if err != nil {
		return nil, err
	}

	forkState := finalStates(forkChanges)
	targetState := finalStates(targetChanges)

	report := &models.MergeReport{}
	paths := make([]string, 0, len(forkState))
	for p := range forkState {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fs := forkState[p]
		ts, contested := targetState[p]

		if !contested {
			if err := m.applyState(ctx, target.ID, forkID, p, fs); err != nil {
				report.Errors = append(report.Errors, models.ItemError{Path: p, Err: err.Error()})
				continue
			}
			report.ChangesApplied++
			continue
		}

		// Both sides touched the path.
		if fs.deleted && ts.deleted {
			continue
		}
		if !fs.deleted && !ts.deleted && fs.digest == ts.digest {
			continue
		}

		report.ConflictCount++
		resolved, err := m.resolveConflict(ctx, target.ID, forkID, p, fs, ts, strategy, forkedAt, report)
		if err != nil {
			report.Errors = append(report.Errors, models.ItemError{Path: p, Err: err.Error()})
			continue
		}
		if resolved {
			report.AutoResolved++
		}
	}

	unresolved := 0
	for _, c := range report.Conflicts {
		if c.Resolution == nil {
			unresolved++
		}
	}
	if unresolved > 0 || len(report.Errors) > 0 {
		fork.ForkState = models.ForkMergedWithConflicts
	} else {
		fork.ForkState = models.ForkMergedClean
	}
	if err := m.vfs.UpdateWorkspace(ctx, fork); err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	m.logger.Info("fork merged",
		"fork", fork.Name,
		"target", target.Name,
		"applied", report.ChangesApplied,
		"conflicts", report.ConflictCount,
		"auto_resolved", report.AutoResolved,
		"state", fork.ForkState,
		"duration", report.Duration)
	return report, nil
}

// finalStates reduces a chronological change stream to each path's last
// known state. A rename contributes a deletion at the old path and a
// creation at the new one.
func finalStates(changes []models.ChangeRecord) map[string]pathState {
	out := make(map[string]pathState)
	for _, c := range changes {
		switch c.Kind {
		case models.ChangeDeleted:
			out[c.Path] = pathState{deleted: true}
		case models.ChangeRenamed:
			if c.OldPath != "" {
				out[c.OldPath] = pathState{deleted: true}
			}
			out[c.Path] = pathState{digest: c.Digest, dir: c.Digest == ""}
		default:
			out[c.Path] = pathState{digest: c.Digest, dir: c.Digest == ""}
		}
	}
	return out
}

// applyState makes the target workspace's path match one side's final
// state.
func (m *Manager) applyState(ctx context.Context, targetID, forkID uuid.UUID, path string, st pathState) error {
	vp, err := vpath.New(path)
	if err != nil {
		return err
	}

	if st.deleted {
		err := m.vfs.Delete(ctx, targetID, vp, true)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	if st.dir {
		return m.vfs.CreateDirectory(ctx, targetID, vp, true)
	}

	data, err := m.vfs.ReadFile(ctx, forkID, vp)
	if err != nil {
		return err
	}
	return m.vfs.WriteFile(ctx, targetID, vp, data)
}

// resolveConflict handles one contested path. Returns true when the
// conflict was resolved and applied without manual intervention.
func (m *Manager) resolveConflict(ctx context.Context, targetID, forkID uuid.UUID, path string, fs, ts pathState, strategy MergeStrategy, forkedAt time.Time, report *models.MergeReport) (bool, error) {
	switch strategy {
	case MergePreferFork:
		if err := m.applyState(ctx, targetID, forkID, path, fs); err != nil {
			return false, err
		}
		report.ChangesApplied++
		return true, nil

	case MergePreferTarget:
		return true, nil

	case MergeAuto:
		if fs.deleted || ts.deleted || fs.dir || ts.dir {
			// Delete/modify and kind conflicts have no line-level merge.
			return false, m.recordManualConflict(ctx, targetID, forkID, path, fs, ts, report)
		}
		merged, ok := m.tryAutoMerge(ctx, targetID, forkID, path, fs, ts, forkedAt)
		if !ok {
			return false, m.recordManualConflict(ctx, targetID, forkID, path, fs, ts, report)
		}
		vp, err := vpath.New(path)
		if err != nil {
			return false, err
		}
		if err := m.vfs.WriteFile(ctx, targetID, vp, merged); err != nil {
			return false, err
		}
		report.ChangesApplied++
		report.Conflicts = append(report.Conflicts, models.Conflict{
			Path:         path,
			ForkDigest:   fs.digest,
			TargetDigest: ts.digest,
			Resolution:   merged,
		})
		return true, nil

	default: // MergeManual
		return false, m.recordManualConflict(ctx, targetID, forkID, path, fs, ts, report)
	}
}

func (m *Manager) recordManualConflict(ctx context.Context, targetID, forkID uuid.UUID, path string, fs, ts pathState, report *models.MergeReport) error {
	c := models.Conflict{
		Path:         path,
		ForkDigest:   fs.digest,
		TargetDigest: ts.digest,
	}
	if vp, err := vpath.New(path); err == nil {
		if !fs.deleted && !fs.dir {
			if data, err := m.vfs.ReadFile(ctx, forkID, vp); err == nil {
				c.ForkContent = data
			}
		}
		if !ts.deleted && !ts.dir {
			if data, err := m.vfs.ReadFile(ctx, targetID, vp); err == nil {
				c.TargetContent = data
			}
		}
	}
	report.Conflicts = append(report.Conflicts, c)
	return nil
}

// tryAutoMerge reconstructs the fork-point content from the target's
// journal and attempts a three-way line merge.
func (m *Manager) tryAutoMerge(ctx context.Context, targetID, forkID uuid.UUID, path string, fs, ts pathState, forkedAt time.Time) ([]byte, bool) {
	vp, err := vpath.New(path)
	if err != nil {
		return nil, false
	}
	forkData, err := m.vfs.ReadFile(ctx, forkID, vp)
	if err != nil {
		return nil, false
	}
	targetData, err := m.vfs.ReadFile(ctx, targetID, vp)
	if err != nil {
		return nil, false
	}

	base, ok := m.baseContent(ctx, targetID, path, forkedAt)
	if !ok {
		return nil, false
	}
	return threeWayMerge(base, forkData, targetData)
}

// baseContent finds the path's digest as of the fork point by walking the
// target's full journal, then pulls the payload. The payload can already
// be gone if garbage collection ran since the fork; that degrades the
// merge to manual, never corrupts it.
func (m *Manager) baseContent(ctx context.Context, targetID uuid.UUID, path string, forkedAt time.Time) ([]byte, bool) {
	all, err := m.vfs.ChangesSince(ctx, targetID, time.Time{})
	if err != nil {
		return nil, false
	}
	var baseDigest string
	for _, c := range all {
		if c.Timestamp.After(forkedAt) {
			break
		}
		if c.Path == path {
			if c.Kind == models.ChangeDeleted {
				baseDigest = ""
			} else {
				baseDigest = c.Digest
			}
		}
	}
	if baseDigest == "" {
		return nil, false
	}
	data, err := m.vfs.ContentStore().Get(baseDigest)
	if err != nil {
		return nil, false
	}
	return data, true
}

// threeWayMerge merges fork and target against base at line granularity.
// Each side's edit is reduced to one contiguous changed region of base;
// the merge succeeds when the two regions do not overlap, or both sides
// made the identical change.
func threeWayMerge(base, forkSide, targetSide []byte) ([]byte, bool) {
	if bytes.Equal(forkSide, targetSide) {
		return forkSide, true
	}
	if bytes.Equal(base, forkSide) {
		return targetSide, true
	}
	if bytes.Equal(base, targetSide) {
		return forkSide, true
	}

	bl := strings.Split(string(base), "\n")
	fl := strings.Split(string(forkSide), "\n")
	tl := strings.Split(string(targetSide), "\n")

	fs, fe, fRepl := changedRegion(bl, fl)
	ts, te, tRepl := changedRegion(bl, tl)

	var merged []string
	switch {
	case fe <= ts:
		merged = spliceTwo(bl, fs, fe, fRepl, ts, te, tRepl)
	case te <= fs:
		merged = spliceTwo(bl, ts, te, tRepl, fs, fe, fRepl)
	case fs == ts && fe == te && linesEqual(fRepl, tRepl):
		merged = spliceTwo(bl, fs, fe, fRepl, fe, fe, nil)
	default:
		return nil, false
	}
	return []byte(strings.Join(merged, "\n")), true
}

// changedRegion reduces the difference between base and edited to one
// interval [start, end) of base lines and its replacement.
func changedRegion(base, edited []string) (start, end int, replacement []string) {
	prefix := 0
	for prefix < len(base) && prefix < len(edited) && base[prefix] == edited[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(base)-prefix && suffix < len(edited)-prefix &&
		base[len(base)-1-suffix] == edited[len(edited)-1-suffix] {
		suffix++
	}
	return prefix, len(base) - suffix, edited[prefix : len(edited)-suffix]
}

// spliceTwo rebuilds base with two ordered non-overlapping regions
// replaced.
func spliceTwo(base []string, s1, e1 int, r1 []string, s2, e2 int, r2 []string) []string {
	out := make([]string, 0, len(base)+len(r1)+len(r2))
	out = append(out, base[:s1]...)
	out = append(out, r1...)
	out = append(out, base[e1:s2]...)
	out = append(out, r2...)
	out = append(out, base[e2:]...)
	return out
}

func linesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
