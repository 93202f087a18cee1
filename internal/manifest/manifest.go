package manifest

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pakt/pakt/internal/hash"
)

// ManifestPath is the fixed root-relative location of the manifest inside
// a package archive.
const ManifestPath = "manifest.json"

var packageIDPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]*(-[A-Z0-9]+)+$`)

// Asset is one governed file declared by a package.
type Asset struct {
	Path           string      `json:"path"`
	ContentHash    hash.Digest `json:"content_hash"`
	Classification string      `json:"classification"`
}

// InstallTarget groups declared assets under a namespace in the governed tree.
type InstallTarget struct {
	Namespace string   `json:"namespace"`
	Files     []string `json:"files"`
}

// Dependency names another package and the version range that satisfies it.
type Dependency struct {
	PackageID  string `json:"package_id"`
	Constraint string `json:"constraint"`
}

// Signature is a keyed MAC over the manifest hash.
type Signature struct {
	KeyID string `json:"key_id"`
	Value string `json:"value"`
}

// Manifest describes a package's identity, contents, and dependencies.
// Metadata is purely informational and never participates in the manifest
// hash, so two manifests describing identical content hash identically
// regardless of when they were generated.
type Manifest struct {
	PackageID      string            `json:"package_id"`
	Version        string            `json:"version"`
	PackageType    string            `json:"package_type"`
	Assets         []Asset           `json:"assets"`
	InstallTargets []InstallTarget   `json:"install_targets"`
	Dependencies   []Dependency      `json:"dependencies"`
	Signature      *Signature        `json:"signature,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NormalizePath cleans a declared asset path for comparison. The returned
// error marks paths that escape the package root; those are hard defects,
// never warnings.
func NormalizePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, '\\') {
		return "", fmt.Errorf("path %q uses backslash separators", p)
	}
	if path.IsAbs(p) {
		return "", fmt.Errorf("path %q is absolute", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("path %q escapes the package root", p)
	}
	return cleaned, nil
}

// ValidPackageID reports whether id matches the uppercase-alnum-with-hyphens
// package identifier pattern.
func ValidPackageID(id string) bool {
	return packageIDPattern.MatchString(id)
}

// ValidateStructure checks the manifest's self-consistency: required fields,
// well-formed normalized paths, tagged hashes, unique paths, install targets
// referencing declared assets, and well-formed dependencies. It returns every
// defect found rather than stopping at the first.
func (m *Manifest) ValidateStructure() []Defect {
	var defects []Defect

	if m.PackageID == "" {
		defects = append(defects, Defect{Kind: DefectStructure, Subject: "package_id", Message: "package_id is required"})
	} else if !ValidPackageID(m.PackageID) {
		defects = append(defects, Defect{Kind: DefectStructure, Subject: m.PackageID,
			Message: fmt.Sprintf("package_id %q does not match the required uppercase-alnum-hyphen pattern", m.PackageID)})
	}

	if m.Version == "" {
		defects = append(defects, Defect{Kind: DefectStructure, Subject: "version", Message: "version is required"})
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		defects = append(defects, Defect{Kind: DefectStructure, Subject: m.Version,
			Message: fmt.Sprintf("version %q is not a semantic version: %v", m.Version, err)})
	}

	if len(m.Assets) == 0 {
		defects = append(defects, Defect{Kind: DefectStructure, Subject: "assets", Message: "at least one asset is required"})
	}

	declared := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		normalized, err := NormalizePath(a.Path)
		if err != nil {
			defects = append(defects, Defect{Kind: DefectPath, Subject: a.Path, Message: err.Error()})
			continue
		}
		if declared[normalized] {
			defects = append(defects, Defect{Kind: DefectPath, Subject: a.Path,
				Message: fmt.Sprintf("duplicate asset path %q", normalized)})
			continue
		}
		declared[normalized] = true

		if err := a.ContentHash.Validate(); err != nil {
			defects = append(defects, Defect{Kind: DefectHash, Subject: a.Path,
				Message: fmt.Sprintf("asset %q: %v", a.Path, err)})
		}
		if a.Classification == "" {
			defects = append(defects, Defect{Kind: DefectStructure, Subject: a.Path,
				Message: fmt.Sprintf("asset %q has no classification", a.Path)})
		}
	}

	for _, target := range m.InstallTargets {
		if target.Namespace == "" {
			defects = append(defects, Defect{Kind: DefectStructure, Subject: "install_targets",
				Message: "install target with empty namespace"})
		}
		for _, f := range target.Files {
			normalized, err := NormalizePath(f)
			if err != nil {
				defects = append(defects, Defect{Kind: DefectPath, Subject: f, Message: err.Error()})
				continue
			}
			if !declared[normalized] {
				defects = append(defects, Defect{Kind: DefectStructure, Subject: f,
					Message: fmt.Sprintf("install target %q references undeclared asset %q", target.Namespace, f)})
			}
		}
	}

	seenDeps := make(map[string]bool, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if !ValidPackageID(dep.PackageID) {
			defects = append(defects, Defect{Kind: DefectDependency, Subject: dep.PackageID,
				Message: fmt.Sprintf("dependency id %q is not a well-formed package id", dep.PackageID)})
			continue
		}
		if dep.PackageID == m.PackageID {
			defects = append(defects, Defect{Kind: DefectDependency, Subject: dep.PackageID,
				Message: fmt.Sprintf("package %s depends on itself", m.PackageID)})
		}
		if seenDeps[dep.PackageID] {
			defects = append(defects, Defect{Kind: DefectDependency, Subject: dep.PackageID,
				Message: fmt.Sprintf("duplicate dependency on %s", dep.PackageID)})
		}
		seenDeps[dep.PackageID] = true
		if dep.Constraint == "" {
			defects = append(defects, Defect{Kind: DefectDependency, Subject: dep.PackageID,
				Message: fmt.Sprintf("dependency %s has no version constraint", dep.PackageID)})
		} else if _, err := semver.NewConstraint(dep.Constraint); err != nil {
			defects = append(defects, Defect{Kind: DefectDependency, Subject: dep.PackageID,
				Message: fmt.Sprintf("dependency %s constraint %q: %v", dep.PackageID, dep.Constraint, err)})
		}
	}

	return defects
}

// DependsOn reports whether the manifest declares a dependency on pkgID.
func (m *Manifest) DependsOn(pkgID string) bool {
	for _, dep := range m.Dependencies {
		if dep.PackageID == pkgID {
			return true
		}
	}
	return false
}

// canonical is the hash-relevant projection of a manifest. Signature and
// informational metadata are excluded; slices are sorted so declaration
// order does not affect the hash.
type canonical struct {
	PackageID      string          `json:"package_id"`
	Version        string          `json:"version"`
	PackageType    string          `json:"package_type"`
	Assets         []Asset         `json:"assets"`
	InstallTargets []InstallTarget `json:"install_targets"`
	Dependencies   []Dependency    `json:"dependencies"`
}

// ComputeHash returns the deterministic manifest hash.
func (m *Manifest) ComputeHash() (hash.Digest, error) {
	c := canonical{
		PackageID:      m.PackageID,
		Version:        m.Version,
		PackageType:    m.PackageType,
		Assets:         append([]Asset{}, m.Assets...),
		InstallTargets: make([]InstallTarget, 0, len(m.InstallTargets)),
		Dependencies:   append([]Dependency{}, m.Dependencies...),
	}

	sort.Slice(c.Assets, func(i, j int) bool { return c.Assets[i].Path < c.Assets[j].Path })
	sort.Slice(c.Dependencies, func(i, j int) bool { return c.Dependencies[i].PackageID < c.Dependencies[j].PackageID })

	for _, target := range m.InstallTargets {
		files := append([]string{}, target.Files...)
		sort.Strings(files)
		c.InstallTargets = append(c.InstallTargets, InstallTarget{Namespace: target.Namespace, Files: files})
	}
	sort.Slice(c.InstallTargets, func(i, j int) bool { return c.InstallTargets[i].Namespace < c.InstallTargets[j].Namespace })

	return hash.SumCanonical(c)
}
