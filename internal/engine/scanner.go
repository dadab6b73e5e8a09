package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// partialSuffix marks in-progress download staging files; the scanner
// never reports them.
const partialSuffix = ".partial"

// Scanner walks a drive's local directory and produces the current local
// FileState for every regular file. Paths are always NFC-normalized with
// forward slashes so the same file names compare equal across platforms
// and against the state database.
type Scanner struct {
	store  Store
	logger *slog.Logger
}

// NewScanner creates a Scanner backed by the given state store. The store
// supplies prior fingerprints so unchanged files skip rehashing.
func NewScanner(st Store, logger *slog.Logger) *Scanner {
	return &Scanner{store: st, logger: logger}
}

// Scan walks root and returns the local state keyed by normalized
// relative path. Files whose size and mtime match the stored baseline
// reuse the stored fingerprint instead of rereading content.
func (s *Scanner) Scan(ctx context.Context, driveID, root string) (map[string]FileState, error) {
	s.logger.Debug("starting local scan", "drive", driveID, "root", root)

	states := make(map[string]FileState)

	err := filepath.WalkDir(root, func(fsPath string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("walk error, skipping entry",
				"path", fsPath, "error", walkErr)

			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			// Hidden directories are not synced.
			if fsPath != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		if strings.HasSuffix(d.Name(), partialSuffix) {
			s.reportStalePartial(fsPath, d)
			return nil
		}

		rel, err := filepath.Rel(root, fsPath)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", fsPath, err)
		}

		state, err := s.stat(ctx, driveID, fsPath, NormalizePath(rel))
		if err != nil {
			s.logger.Warn("cannot stat file, skipping", "path", fsPath, "error", err)
			return nil
		}

		states[state.Path] = state

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	s.logger.Debug("local scan complete", "drive", driveID, "files", len(states))

	return states, nil
}

// stalePartialAge is how old a download staging file must be before the
// scanner flags it as a leftover from an interrupted download.
const stalePartialAge = time.Hour

// reportStalePartial warns about staging files no active download owns.
// They are left in place; the covering download rewrites the same staging
// path when it restarts.
func (s *Scanner) reportStalePartial(fsPath string, d fs.DirEntry) {
	info, err := d.Info()
	if err != nil {
		return
	}

	if age := time.Since(info.ModTime()); age > stalePartialAge {
		s.logger.Warn("stale partial download file",
			"path", fsPath, "age", age.Round(time.Minute))
	}
}

// stat builds the FileState for one file, reusing the stored fingerprint
// when size and mtime are unchanged from the last sync.
func (s *Scanner) stat(ctx context.Context, driveID, fsPath, relPath string) (FileState, error) {
	info, err := os.Stat(fsPath)
	if err != nil {
		return FileState{}, err
	}

	state := FileState{
		Path:    relPath,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Exists:  true,
	}

	prior, err := s.store.GetMetadata(ctx, driveID, relPath)
	if err != nil {
		return FileState{}, err
	}

	if prior != nil && prior.Size == state.Size && prior.ModTime.Equal(state.ModTime) {
		state.Fingerprint = prior.Fingerprint
		return state, nil
	}

	fp, err := FingerprintFile(fsPath)
	if err != nil {
		return FileState{}, err
	}

	state.Fingerprint = fp

	return state, nil
}

// FingerprintFile returns the hex SHA-256 of a file's content.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizePath converts a relative path to the canonical form used as a
// map and database key: NFC-normalized Unicode with forward slashes.
func NormalizePath(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}
