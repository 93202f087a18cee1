package registry

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pakt/pakt/internal/hash"
)

// Record assigns exactly one accountable owner to a governed file. Records
// are never hand-edited; they exist only as the output of replaying the
// ledger.
type Record struct {
	FilePath       string
	OwnerPackageID string
	ContentHash    hash.Digest
	Classification string
	InstalledAt    string
}

// Transfer documents an explicit, dependency-authorized ownership handover
// applied during a rebuild.
type Transfer struct {
	Path string
	From string
	To   string
}

// Registry is the derived ownership projection. It is a cache, not a
// source of truth: always discardable and regenerable byte-for-byte from
// the ledger plus the stored manifests.
type Registry struct {
	records   map[string]Record
	transfers []Transfer
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]Record)}
}

// Lookup returns the ownership record for a governed path, if any.
func (r *Registry) Lookup(path string) (Record, bool) {
	rec, ok := r.records[path]
	return rec, ok
}

// Records returns all ownership records sorted by path.
func (r *Registry) Records() []Record {
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

// Transfers returns the ownership transfers applied during the rebuild.
func (r *Registry) Transfers() []Transfer {
	return append([]Transfer{}, r.transfers...)
}

// OwnedBy returns the paths owned by a package, sorted.
func (r *Registry) OwnedBy(packageID string) []string {
	var paths []string
	for p, rec := range r.records {
		if rec.OwnerPackageID == packageID {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) Len() int { return len(r.records) }

const fileHeader = "file_path,owner_package_id,content_hash,classification,installed_at"

// Serialize renders the registry in its canonical on-disk form: a fixed
// header plus one CSV row per record, sorted by path. Identical registry
// state always serializes to identical bytes.
func (r *Registry) Serialize() []byte {
	var sb strings.Builder
	sb.WriteString(fileHeader)
	sb.WriteByte('\n')
	w := csv.NewWriter(&sb)
	for _, rec := range r.Records() {
		_ = w.Write([]string{rec.FilePath, rec.OwnerPackageID, string(rec.ContentHash), rec.Classification, rec.InstalledAt})
	}
	w.Flush()
	return []byte(sb.String())
}

// Save writes the registry to path using the same stage-then-swap
// discipline as the workspace: a completed temp file atomically renamed
// over the destination, so readers never observe a partial rebuild.
func (r *Registry) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	tmp := path + ".rebuild"
	if err := os.WriteFile(tmp, r.Serialize(), 0644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to swap registry into place: %w", err)
	}
	return nil
}

// Load reads a previously saved registry projection.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != fileHeader {
		return nil, fmt.Errorf("registry file %s has an unrecognized header", path)
	}

	reader := csv.NewReader(strings.NewReader(strings.Join(lines[1:], "\n")))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed registry file %s: %w", path, err)
	}

	r := NewRegistry()
	for _, row := range rows {
		if len(row) != 5 {
			return nil, fmt.Errorf("registry row for %q has %d fields, expected 5", row[0], len(row))
		}
		digest, err := hash.Parse(row[2])
		if err != nil {
			return nil, fmt.Errorf("registry row for %q: %w", row[0], err)
		}
		r.records[row[0]] = Record{
			FilePath:       row[0],
			OwnerPackageID: row[1],
			ContentHash:    digest,
			Classification: row[3],
			InstalledAt:    row[4],
		}
	}
	return r, nil
}
