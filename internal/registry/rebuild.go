package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/ledger"
	"github.com/pakt/pakt/internal/manifest"
)

// Conflict is a detected case of two packages claiming one file without an
// explicit transfer relationship. Conflicts halt the rebuild; they are
// never resolved by last-write-wins.
type Conflict struct {
	Path          string
	CurrentOwner  string
	IncomingOwner string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: owned by %s, claimed by %s without a declared dependency on the owner",
		c.Path, c.CurrentOwner, c.IncomingOwner)
}

// ConflictError aggregates every conflict found during a rebuild.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	lines := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		lines[i] = c.String()
	}
	return fmt.Sprintf("ownership rebuild halted, %d conflict(s):\n%s",
		len(e.Conflicts), strings.Join(lines, "\n"))
}

// ManifestSource resolves a stored manifest by its manifest hash. The
// rebuild is a pure function of the ledger plus this store.
type ManifestSource interface {
	ManifestByHash(h hash.Digest) (*manifest.Manifest, error)
}

// Rebuild replays INSTALLED/UNINSTALLED events from the named partitions in
// ledger order and projects them into an ownership registry. Each
// partition's chain is verified first; a broken chain is fatal and the
// rebuild refuses to proceed. Running Rebuild twice on identical ledger
// state yields byte-identical serialized output.
func Rebuild(l *ledger.Ledger, partitions []string, manifests ManifestSource) (*Registry, error) {
	sorted := append([]string{}, partitions...)
	sort.Strings(sorted)

	r := NewRegistry()
	var conflicts []Conflict

	for _, part := range sorted {
		entries, err := l.ReadAll(part)
		if err != nil {
			return nil, err
		}
		if err := ledger.VerifyEntries(part, entries); err != nil {
			return nil, err
		}

		for i := range entries {
			e := &entries[i]
			switch e.EventType {
			case ledger.EventInstalled:
				if err := applyInstall(r, manifests, e, &conflicts); err != nil {
					return nil, err
				}
			case ledger.EventUninstalled:
				applyUninstall(r, e.Payload.PackageID)
			}
		}
	}

	if len(conflicts) > 0 {
		return nil, &ConflictError{Conflicts: conflicts}
	}
	return r, nil
}

func applyInstall(r *Registry, manifests ManifestSource, e *ledger.Entry, conflicts *[]Conflict) error {
	mh, err := hash.Parse(e.Payload.ManifestHash)
	if err != nil {
		return fmt.Errorf("INSTALLED entry %d for %s: %w", e.EntryID, e.Payload.PackageID, err)
	}
	m, err := manifests.ManifestByHash(mh)
	if err != nil {
		return fmt.Errorf("INSTALLED entry %d references unknown manifest %s: %w", e.EntryID, mh, err)
	}

	incoming := e.Payload.PackageID

	assets := append([]manifest.Asset{}, m.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Path < assets[j].Path })

	kept := make(map[string]bool, len(assets))
	for _, a := range assets {
		path, err := manifest.NormalizePath(a.Path)
		if err != nil {
			return fmt.Errorf("INSTALLED entry %d declares invalid path: %w", e.EntryID, err)
		}
		kept[path] = true

		current, owned := r.records[path]
		switch {
		case !owned:
			// Unowned path: record ownership.
		case current.OwnerPackageID == incoming:
			// Same owner: version bump, update in place.
		case m.DependsOn(current.OwnerPackageID):
			// Explicit transfer authorization via declared dependency.
			r.transfers = append(r.transfers, Transfer{Path: path, From: current.OwnerPackageID, To: incoming})
		default:
			*conflicts = append(*conflicts, Conflict{
				Path:          path,
				CurrentOwner:  current.OwnerPackageID,
				IncomingOwner: incoming,
			})
			continue
		}

		r.records[path] = Record{
			FilePath:       path,
			OwnerPackageID: incoming,
			ContentHash:    a.ContentHash,
			Classification: a.Classification,
			InstalledAt:    e.Timestamp,
		}
	}

	// A version bump may drop assets; release paths this package owned
	// that the superseding manifest no longer declares.
	for path, rec := range r.records {
		if rec.OwnerPackageID == incoming && !kept[path] {
			delete(r.records, path)
		}
	}
	return nil
}

func applyUninstall(r *Registry, packageID string) {
	for path, rec := range r.records {
		if rec.OwnerPackageID == packageID {
			delete(r.records, path)
		}
	}
}
