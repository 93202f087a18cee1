package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/manifest"
)

// Workspace is an isolated staging area. Files are staged and verified
// here, then either committed into the governed tree as a single logical
// unit or quarantined for forensics. Nothing in the governed tree changes
// before Commit.
type Workspace struct {
	ID      string
	root    string // this workspace's directory
	staging string // staged files, mirroring governed-tree layout
	backup  string // displaced originals during commit

	quarantineRoot string
	staged         map[string]bool
	committed      bool
}

// Open creates a workspace under workRoot. Quarantined workspaces
// accumulate under workRoot/quarantine until swept.
func Open(workRoot string) (*Workspace, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("failed to generate workspace id: %w", err)
	}
	id := hex.EncodeToString(idBytes)

	root := filepath.Join(workRoot, "stage", id)
	ws := &Workspace{
		ID:             id,
		root:           root,
		staging:        filepath.Join(root, "staged"),
		backup:         filepath.Join(root, "backup"),
		quarantineRoot: filepath.Join(workRoot, "quarantine"),
		staged:         make(map[string]bool),
	}
	for _, dir := range []string{ws.staging, ws.backup} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	return ws, nil
}

// Stage writes source bytes to the workspace under a normalized relative
// destination path.
func (ws *Workspace) Stage(src io.Reader, relDest string) error {
	normalized, err := manifest.NormalizePath(relDest)
	if err != nil {
		return fmt.Errorf("refusing to stage: %w", err)
	}

	dest := filepath.Join(ws.staging, filepath.FromSlash(normalized))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create staging directory for %s: %w", normalized, err)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create staged file %s: %w", normalized, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to stage %s: %w", normalized, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync staged file %s: %w", normalized, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close staged file %s: %w", normalized, err)
	}

	ws.staged[normalized] = true
	return nil
}

// StagedPaths returns the staged relative paths, sorted.
func (ws *Workspace) StagedPaths() []string {
	paths := make([]string, 0, len(ws.staged))
	for p := range ws.staged {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// VerifyStaged recomputes every staged file's digest against the expected
// set. Missing files, extra files, and hash mismatches are all defects.
func (ws *Workspace) VerifyStaged(expected map[string]hash.Digest) []manifest.Defect {
	var defects []manifest.Defect

	for _, p := range ws.StagedPaths() {
		want, ok := expected[p]
		if !ok {
			defects = append(defects, manifest.Defect{Kind: manifest.DefectArchive, Subject: p,
				Message: fmt.Sprintf("staged file %q is not in the expected set", p)})
			continue
		}
		data, err := os.ReadFile(filepath.Join(ws.staging, filepath.FromSlash(p)))
		if err != nil {
			defects = append(defects, manifest.Defect{Kind: manifest.DefectArchive, Subject: p,
				Message: fmt.Sprintf("failed to read staged file %q: %v", p, err)})
			continue
		}
		if got := hash.Sum(data); got != want {
			defects = append(defects, manifest.Defect{Kind: manifest.DefectHash, Subject: p,
				Message: fmt.Sprintf("staged file %q hash %s does not match expected %s", p, got, want)})
		}
	}

	missing := make([]string, 0)
	for p := range expected {
		if !ws.staged[p] {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)
	for _, p := range missing {
		defects = append(defects, manifest.Defect{Kind: manifest.DefectArchive, Subject: p,
			Message: fmt.Sprintf("expected file %q was never staged", p)})
	}
	return defects
}

// Commit moves every staged file into the governed tree as one logical
// unit. Current targets are displaced into the workspace's backup area
// first; a failure mid-commit rolls the displaced files back so the tree
// is left fully pre-commit or fully post-commit, never mixed.
func (ws *Workspace) Commit(tree string) error {
	if ws.committed {
		return fmt.Errorf("workspace %s already committed", ws.ID)
	}

	paths := ws.StagedPaths()
	displaced := make([]string, 0, len(paths))
	placed := make([]string, 0, len(paths))

	// Rollback returns placed files to staging rather than deleting them;
	// the failed workspace is forensic evidence and must stay whole for
	// the quarantine that follows.
	rollback := func() {
		for _, p := range placed {
			os.Rename(filepath.Join(tree, filepath.FromSlash(p)),
				filepath.Join(ws.staging, filepath.FromSlash(p)))
		}
		for _, p := range displaced {
			os.Rename(filepath.Join(ws.backup, filepath.FromSlash(p)),
				filepath.Join(tree, filepath.FromSlash(p)))
		}
	}

	// Phase one: displace existing targets.
	for _, p := range paths {
		target := filepath.Join(tree, filepath.FromSlash(p))
		if _, err := os.Stat(target); err != nil {
			continue
		}
		backupPath := filepath.Join(ws.backup, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(backupPath), 0755); err != nil {
			rollback()
			return fmt.Errorf("commit aborted, failed to prepare backup for %s: %w", p, err)
		}
		if err := os.Rename(target, backupPath); err != nil {
			rollback()
			return fmt.Errorf("commit aborted, failed to displace %s: %w", p, err)
		}
		displaced = append(displaced, p)
	}

	// Phase two: move staged files into place.
	for _, p := range paths {
		target := filepath.Join(tree, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			rollback()
			return fmt.Errorf("commit aborted, failed to create directory for %s: %w", p, err)
		}
		if err := os.Rename(filepath.Join(ws.staging, filepath.FromSlash(p)), target); err != nil {
			rollback()
			return fmt.Errorf("commit aborted, failed to place %s: %w", p, err)
		}
		placed = append(placed, p)
	}

	ws.committed = true
	return os.RemoveAll(ws.root)
}

// Discard moves the workspace into quarantine. It never deletes; failed
// workspaces are forensic evidence and accumulate until an explicit
// retention sweep.
func (ws *Workspace) Discard() error {
	if ws.committed {
		return nil
	}
	if err := os.MkdirAll(ws.quarantineRoot, 0755); err != nil {
		return fmt.Errorf("failed to create quarantine: %w", err)
	}
	dest := filepath.Join(ws.quarantineRoot,
		fmt.Sprintf("%s-%d", ws.ID, time.Now().UTC().UnixNano()))
	if err := os.Rename(ws.root, dest); err != nil {
		return fmt.Errorf("failed to quarantine workspace %s: %w", ws.ID, err)
	}
	return nil
}

// SweepQuarantine removes quarantined workspaces older than the retention
// period. Returns the number removed.
func SweepQuarantine(workRoot string, retention time.Duration) (int, error) {
	quarantine := filepath.Join(workRoot, "quarantine")
	dirents, err := os.ReadDir(quarantine)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list quarantine: %w", err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(quarantine, de.Name())); err != nil {
				return removed, fmt.Errorf("failed to sweep %s: %w", de.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}
