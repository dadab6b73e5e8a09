package engine

import "github.com/gablilli/drivesync/internal/store"

// Baseline is the last-synced record for a path, or nil when the path has
// never been synced.
type Baseline = store.FileMetadataRecord

// Classify decides the action for one path given the baseline and both
// current sides. It is a pure function: all I/O (scanning, fingerprinting,
// remote listing) happens before classification.
//
// The decision table:
//   - neither side changed: nothing to do
//   - one side changed: propagate that change to the other side
//   - both sides changed to the same content: adopt silently
//   - both sides changed to different content: conflict, user decides
//
// "Changed" means differing from the baseline. With no baseline, any side
// that exists counts as changed.
func Classify(baseline *Baseline, local, rem FileState) ActionKind {
	localChanged := sideChanged(baseline, local, false)
	remoteChanged := sideChanged(baseline, rem, true)

	switch {
	case !localChanged && !remoteChanged:
		return ActionNone

	case localChanged && !remoteChanged:
		if !local.Exists {
			return ActionDeleteRemote
		}

		return ActionUpload

	case !localChanged && remoteChanged:
		if !rem.Exists {
			return ActionDeleteLocal
		}

		return ActionDownload

	default:
		return classifyBothChanged(local, rem)
	}
}

// classifyBothChanged handles the divergent cases where both sides moved
// since the baseline.
func classifyBothChanged(local, rem FileState) ActionKind {
	// Both deleted: the file is gone everywhere, just forget it.
	if !local.Exists && !rem.Exists {
		return ActionNone
	}

	// Deleted on one side, modified on the other: the modification wins,
	// deletion of edited content needs a human.
	if !local.Exists {
		return ActionDownload
	}

	if !rem.Exists {
		return ActionUpload
	}

	// Both modified. Identical content converged on its own.
	if local.Fingerprint != "" && local.Fingerprint == rem.Fingerprint {
		return ActionNone
	}

	return ActionConflict
}

func sideChanged(baseline *Baseline, side FileState, isRemote bool) bool {
	if baseline == nil {
		return side.Exists
	}

	if !side.Exists {
		return true
	}

	if isRemote {
		// The server bumps the etag on every content change, which is
		// cheaper than comparing content hashes and always available.
		return side.ETag != baseline.ETag
	}

	if side.Size != baseline.Size {
		return true
	}

	return side.Fingerprint != baseline.Fingerprint
}

// ConflictResolution is a user's verdict on a pending conflict.
type ConflictResolution int

const (
	// KeepLocal uploads the local version, replacing the remote one.
	KeepLocal ConflictResolution = iota
	// KeepRemote downloads the remote version, replacing the local one.
	KeepRemote
)

func (r ConflictResolution) String() string {
	if r == KeepLocal {
		return "keep_local"
	}

	return "keep_remote"
}
