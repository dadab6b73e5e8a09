package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/gablilli/drivesync/internal/remote"
	"github.com/gablilli/drivesync/internal/store"
)

// Reconciler compares the local tree, the remote tree, and the stored
// baseline, and produces the actions that bring the three views back into
// agreement.
type Reconciler struct {
	driveID   string
	direction string
	store     Store
	logger    *slog.Logger
}

// SetDirection changes the sync direction for subsequent plans. Direction
// edits in the registry apply on the next cycle without a runner restart.
func (r *Reconciler) SetDirection(direction string) {
	r.direction = direction
}

// NewReconciler creates a Reconciler for one drive. direction is the
// drive's sync direction; one-way drives never touch the local tree.
func NewReconciler(driveID, direction string, st Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		driveID:   driveID,
		direction: direction,
		store:     st,
		logger:    logger,
	}
}

// Plan classifies every path appearing in either tree or the baseline and
// returns the non-trivial actions sorted by path.
func (r *Reconciler) Plan(
	ctx context.Context,
	local map[string]FileState,
	remoteStates map[string]FileState,
) ([]Action, error) {
	baselines, err := r.store.ListMetadataByDrive(ctx, r.driveID)
	if err != nil {
		return nil, err
	}

	baseByPath := make(map[string]*store.FileMetadataRecord, len(baselines))
	for _, b := range baselines {
		baseByPath[b.LocalPath] = b
	}

	paths := make(map[string]struct{}, len(local)+len(remoteStates))
	for p := range local {
		paths[p] = struct{}{}
	}

	for p := range remoteStates {
		paths[p] = struct{}{}
	}

	for p := range baseByPath {
		paths[p] = struct{}{}
	}

	var actions []Action

	for path := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		action := r.planPath(path, local[path], remoteStates[path], baseByPath[path])
		if action.Kind != ActionNone {
			actions = append(actions, action)
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Path < actions[j].Path
	})

	r.logger.Info("reconciliation plan built",
		"drive", r.driveID,
		"paths", len(paths),
		"actions", len(actions),
	)

	return actions, nil
}

// Sync directions, mirroring the drive registry's values.
const (
	directionTwoWay       = "two_way"
	directionOneWayUpload = "one_way_upload"
)

func (r *Reconciler) planPath(
	path string,
	local, rem FileState, baseline *store.FileMetadataRecord,
) Action {
	local.Path = path
	rem.Path = path

	action := Action{Path: path, Local: local, Remote: rem}

	// An unresolved conflict stays parked until the user decides; a
	// resolved-for-override conflict forces the local side up regardless
	// of classification.
	if baseline != nil {
		switch baseline.ConflictState {
		case store.ConflictPending:
			return action

		case store.ConflictOverride:
			action.Kind = ActionUpload
			return action
		}
	}

	action.Kind = Classify(baseline, local, rem)

	// One-way upload drives never modify the local tree: remote-side
	// changes are re-pushed instead of pulled, and remote deletions are
	// re-created by upload.
	if r.direction == directionOneWayUpload {
		switch action.Kind {
		case ActionDownload, ActionDeleteLocal:
			if local.Exists {
				action.Kind = ActionUpload
			} else {
				action.Kind = ActionNone
			}

		case ActionConflict:
			// Without a local mirror contract there is nothing to ask the
			// user; local content wins.
			action.Kind = ActionUpload
		}
	}

	return action
}

// BuildRemoteStates converts a remote listing into FileState values keyed
// by the drive-relative path. rootURI is the drive's remote root; entries
// outside it or folders are skipped.
func BuildRemoteStates(rootURI string, files []remote.FileInfo) map[string]FileState {
	states := make(map[string]FileState, len(files))

	for _, f := range files {
		if f.IsFolder {
			continue
		}

		rel, ok := relativeURI(rootURI, f.URI)
		if !ok {
			continue
		}

		rel = NormalizePath(rel)

		states[rel] = FileState{
			Path:        rel,
			Size:        f.Size,
			ModTime:     f.UpdatedAt,
			ETag:        f.ETag,
			Fingerprint: f.Metadata["sha256"],
			Exists:      true,
		}
	}

	return states
}

func relativeURI(rootURI, uri string) (string, bool) {
	if uri == rootURI {
		return "", false
	}

	prefix := rootURI + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}

	return strings.TrimPrefix(uri, prefix), true
}
