package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/flaksit/pc-switcher/internal/command"
)

// BtrfsEnvelope is the concrete Envelope backed by the btrfs command-line
// tool, run via the supplied Executors (local for source, SSH-backed for
// target). Ported from the original implementation's snapshots.py.
type BtrfsEnvelope struct {
	Root       string // e.g. "/.snapshots/pc-switcher"
	Subvolumes []string
	Source     command.Executor
	Target     command.Executor
	DryRun     bool

	// NowTimestamp returns the current timestamp string in the
	// YYYYMMDDThhmmss format used throughout the naming contract. Exposed
	// as a field for deterministic tests.
	NowTimestamp func() string
}

// Validate verifies the snapshot root exists (creating it if missing) and
// that each configured subvolume is mounted and is in fact a subvolume, on
// both source and target. It never returns an error for validation
// findings — those are accumulated in the returned slice, per spec.md
// §4.6. The second return value carries only infrastructure failures (the
// executor itself could not run).
func (b *BtrfsEnvelope) Validate() ([]ValidationError, error) {
	var errs []ValidationError
	ctx := context.Background()

	for _, host := range []struct {
		name string
		exec command.Executor
	}{{"source", b.Source}, {"target", b.Target}} {
		if err := b.validateSnapshotsDirectory(ctx, host.exec); err != nil {
			errs = append(errs, ValidationError{Message: fmt.Sprintf("%s: %v", host.name, err)})
			continue
		}
		for _, sv := range b.Subvolumes {
			if err := b.validateSubvolumeExists(ctx, host.exec, sv); err != nil {
				errs = append(errs, ValidationError{Message: fmt.Sprintf("%s: subvolume %s: %v", host.name, sv, err)})
			}
		}
	}
	return errs, nil
}

func (b *BtrfsEnvelope) validateSnapshotsDirectory(ctx context.Context, exec command.Executor) error {
	res, err := exec.Run(ctx, fmt.Sprintf("test -d %q", b.Root), 10)
	if err != nil {
		return err
	}
	if res.Success() {
		return nil
	}
	if b.DryRun {
		return nil
	}
	res, err = exec.Run(ctx, fmt.Sprintf("sudo btrfs subvolume create %q", b.Root), 10)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("failed to create snapshot root %s: %s", b.Root, res.Stderr)
	}
	return nil
}

func (b *BtrfsEnvelope) validateSubvolumeExists(ctx context.Context, exec command.Executor, subvolume string) error {
	mount := MountPoint(subvolume)
	res, err := exec.Run(ctx, fmt.Sprintf("btrfs subvolume show %q", mount), 10)
	if err != nil {
		return err
	}
	if !res.Success() {
		return fmt.Errorf("%s is not a mounted btrfs subvolume", mount)
	}
	return nil
}

// Create snapshots every configured subvolume on both source and target
// under "<root>/<sessionFolder>/<phase>-<subvolume>-<timestamp>". A failure
// on any single snapshot aborts the whole phase (spec.md §4.6).
func (b *BtrfsEnvelope) Create(phase Phase, sessionFolder string) error {
	ctx := context.Background()
	ts := b.timestamp()

	for _, host := range []struct {
		name string
		exec command.Executor
	}{{"source", b.Source}, {"target", b.Target}} {
		folder := fmt.Sprintf("%s/%s", b.Root, sessionFolder)
		if _, err := host.exec.Run(ctx, fmt.Sprintf("mkdir -p %q", folder), 10); err != nil {
			return fmt.Errorf("snapshot: %s: failed to create session folder: %w", host.name, err)
		}

		for _, sv := range b.Subvolumes {
			snap := Snapshot{Subvolume: sv, Phase: phase, Timestamp: ts}
			dest := fmt.Sprintf("%s/%s", folder, snap.Name())
			src := MountPoint(sv)

			if b.DryRun {
				continue
			}

			cmd := fmt.Sprintf("sudo btrfs subvolume snapshot -r %q %q", src, dest)
			res, err := host.exec.Run(ctx, cmd, 30)
			if err != nil {
				return fmt.Errorf("snapshot: %s: %s: %w", host.name, sv, err)
			}
			if !res.Success() {
				return fmt.Errorf("snapshot: %s: %s: create failed: %s", host.name, sv, res.Stderr)
			}
		}
	}
	return nil
}

// Retain lists session folders newest-first, deleting folders beyond
// KeepRecent and any older than MaxAgeDays when configured. Within a
// folder, every snapshot subvolume is deleted before the folder itself
// (spec.md §4.6). Idempotent: calling Retain again with no intervening
// Create is a no-op (spec.md §8 round-trip property).
func (b *BtrfsEnvelope) Retain(policy RetentionPolicy) error {
	ctx := context.Background()

	for _, host := range []struct {
		name string
		exec command.Executor
	}{{"source", b.Source}, {"target", b.Target}} {
		res, err := host.exec.Run(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null", b.Root), 10)
		if err != nil {
			return fmt.Errorf("snapshot: %s: failed to list session folders: %w", host.name, err)
		}
		folders := strings.Fields(res.Stdout)
		sort.Sort(sort.Reverse(sort.StringSlice(folders))) // lexical == chronological for YYYYMMDDThhmmss-prefixed names

		var toDelete []string
		if policy.KeepRecent >= 0 && len(folders) > policy.KeepRecent {
			toDelete = append(toDelete, folders[policy.KeepRecent:]...)
		}
		if policy.MaxAgeDays != nil {
			cutoff := b.cutoffTimestamp(*policy.MaxAgeDays)
			for _, f := range folders[:min(policy.KeepRecent, len(folders))] {
				ts := folderTimestamp(f)
				if ts != "" && ts < cutoff {
					toDelete = append(toDelete, f)
				}
			}
		}

		if b.DryRun {
			continue
		}

		for _, folder := range toDelete {
			path := fmt.Sprintf("%s/%s", b.Root, folder)
			subRes, err := host.exec.Run(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null", path), 10)
			if err == nil {
				for _, sub := range strings.Fields(subRes.Stdout) {
					host.exec.Run(ctx, fmt.Sprintf("sudo btrfs subvolume delete %q", fmt.Sprintf("%s/%s", path, sub)), 30)
				}
			}
			host.exec.Run(ctx, fmt.Sprintf("rmdir %q", path), 10)
		}
	}
	return nil
}

// Rollback restores subvolumes from the PRE snapshots of sessionID — used
// only after a hard failure in CLEANUP (spec.md §4.6).
func (b *BtrfsEnvelope) Rollback(sessionID string) error {
	if len(b.Subvolumes) == 0 {
		return ErrEnvelopeDisabled
	}
	ctx := context.Background()
	res, err := b.Target.Run(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null", b.Root), 10)
	if err != nil {
		return fmt.Errorf("snapshot: rollback: failed to list folders: %w", err)
	}
	var folder string
	for _, f := range strings.Fields(res.Stdout) {
		if strings.HasSuffix(f, "-"+sessionID) {
			folder = f
			break
		}
	}
	if folder == "" {
		return fmt.Errorf("snapshot: rollback: no session folder found for %s", sessionID)
	}

	for _, sv := range b.Subvolumes {
		pre := Snapshot{Subvolume: sv, Phase: PhasePre}
		// The exact timestamp suffix is resolved by listing the folder;
		// here we match by prefix since the phase/subvolume pair is unique
		// per session folder.
		prefix := fmt.Sprintf("%s-%s-", pre.Phase, pre.Subvolume)
		listRes, err := b.Target.Run(ctx, fmt.Sprintf("ls -1 %q 2>/dev/null", fmt.Sprintf("%s/%s", b.Root, folder)), 10)
		if err != nil {
			return err
		}
		var snapName string
		for _, name := range strings.Fields(listRes.Stdout) {
			if strings.HasPrefix(name, prefix) {
				snapName = name
				break
			}
		}
		if snapName == "" {
			return fmt.Errorf("snapshot: rollback: no PRE snapshot found for %s", sv)
		}
		snapPath := fmt.Sprintf("%s/%s/%s", b.Root, folder, snapName)
		mount := MountPoint(sv)
		if b.DryRun {
			continue
		}
		cmds := []string{
			fmt.Sprintf("sudo mv %q %q.bak-%s", mount, mount, sessionID),
			fmt.Sprintf("sudo btrfs subvolume snapshot %q %q", snapPath, mount),
		}
		for _, c := range cmds {
			if res, err := b.Target.Run(ctx, c, 30); err != nil || !res.Success() {
				return fmt.Errorf("snapshot: rollback: command %q failed: %v %s", c, err, res.Stderr)
			}
		}
	}
	return nil
}

func (b *BtrfsEnvelope) timestamp() string {
	if b.NowTimestamp != nil {
		return b.NowTimestamp()
	}
	return defaultTimestamp()
}

func (b *BtrfsEnvelope) cutoffTimestamp(maxAgeDays int) string {
	return cutoffTimestamp(b.timestamp(), maxAgeDays)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
