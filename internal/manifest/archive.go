package manifest

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pakt/pakt/internal/hash"
)

// Archive is the in-memory form of a package archive: the parsed manifest
// plus every asset file keyed by its normalized path.
type Archive struct {
	Manifest *Manifest
	Files    map[string][]byte
}

// WriteArchive writes a deterministic package archive: a plain tar stream
// with entries sorted by path, zeroed timestamps, zero uid/gid, and fixed
// modes, so identical content always produces identical archive bytes.
// The manifest is written at its fixed root-relative path.
func WriteArchive(w io.Writer, m *Manifest, files map[string][]byte) error {
	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	entries := map[string][]byte{ManifestPath: manifestBytes}
	for p, data := range files {
		normalized, err := NormalizePath(p)
		if err != nil {
			return fmt.Errorf("refusing to archive %q: %w", p, err)
		}
		if normalized == ManifestPath {
			return fmt.Errorf("asset path %q collides with the manifest location", p)
		}
		entries[normalized] = data
	}

	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tar.NewWriter(w)
	for _, name := range names {
		data := entries[name]
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(data)),
			ModTime:  time.Unix(0, 0),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write archive header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("failed to write archive entry %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// ReadArchive parses a package archive, rejecting escaping paths and
// requiring the manifest at its fixed location.
func ReadArchive(r io.Reader) (*Archive, error) {
	tr := tar.NewReader(r)
	files := make(map[string][]byte)
	var m *Manifest

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("archive entry %q is not a regular file", hdr.Name)
		}

		normalized, err := NormalizePath(hdr.Name)
		if err != nil {
			return nil, fmt.Errorf("archive entry: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive entry %s: %w", normalized, err)
		}

		if normalized == ManifestPath {
			m = &Manifest{}
			if err := json.Unmarshal(data, m); err != nil {
				return nil, fmt.Errorf("malformed manifest in archive: %w", err)
			}
			continue
		}
		files[normalized] = data
	}

	if m == nil {
		return nil, fmt.Errorf("archive has no manifest at %s", ManifestPath)
	}
	return &Archive{Manifest: m, Files: files}, nil
}

// VerifyArchive checks the manifest against the archive contents: every
// declared asset must exist with a matching hash, and the archive must not
// contain undeclared files. Path normalization happens before comparison.
func VerifyArchive(m *Manifest, files map[string][]byte) []Defect {
	var defects []Defect

	declared := make(map[string]hash.Digest, len(m.Assets))
	for _, a := range m.Assets {
		normalized, err := NormalizePath(a.Path)
		if err != nil {
			defects = append(defects, Defect{Kind: DefectPath, Subject: a.Path, Message: err.Error()})
			continue
		}
		declared[normalized] = a.ContentHash
	}

	for p, want := range declared {
		data, ok := files[p]
		if !ok {
			defects = append(defects, Defect{Kind: DefectArchive, Subject: p,
				Message: fmt.Sprintf("declared asset %q is missing from the archive", p)})
			continue
		}
		got := hash.Sum(data)
		if got != want {
			defects = append(defects, Defect{Kind: DefectHash, Subject: p,
				Message: fmt.Sprintf("asset %q content hash %s does not match declared %s", p, got, want)})
		}
	}

	undeclared := make([]string, 0)
	for p := range files {
		if _, ok := declared[p]; !ok {
			undeclared = append(undeclared, p)
		}
	}
	sort.Strings(undeclared)
	for _, p := range undeclared {
		defects = append(defects, Defect{Kind: DefectArchive, Subject: p,
			Message: fmt.Sprintf("archive contains undeclared file %q", p)})
	}

	return defects
}
