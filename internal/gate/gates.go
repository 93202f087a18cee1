package gate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/manifest"
)

// detailCap bounds reported detail lists. The cap is explicit in the
// output, never silent truncation.
const detailCap = 20

func capDetails(details []string) []string {
	if len(details) <= detailCap {
		return details
	}
	capped := append([]string{}, details[:detailCap]...)
	return append(capped, fmt.Sprintf("... and %d more (list capped at %d)", len(details)-detailCap, detailCap))
}

// runSelfConsistency checks the archive against its own manifest: required
// structure, non-escaping paths, declared-vs-present agreement, matching
// hashes, well-formed dependency identifiers. Needs no external state.
func runSelfConsistency(ctx *Context) Result {
	const name = "self-consistency"
	if ctx.Archive == nil || ctx.Archive.Manifest == nil {
		return Result{Gate: name, Message: "no archive provided"}
	}

	m := ctx.Archive.Manifest
	defects := m.ValidateStructure()
	defects = append(defects, manifest.VerifyArchive(m, ctx.Archive.Files)...)
	if len(defects) > 0 {
		details := make([]string, len(defects))
		for i, d := range defects {
			details[i] = d.String()
		}
		return Result{
			Gate:    name,
			Message: fmt.Sprintf("package %s has %d structural defect(s)", m.PackageID, len(defects)),
			Details: capDetails(details),
		}
	}
	return Result{
		Gate:    name,
		Passed:  true,
		Message: fmt.Sprintf("package %s: %d asset(s) declared and present with matching hashes", m.PackageID, len(m.Assets)),
	}
}

// runPlaneOwnership walks the governed tree against the ownership
// registry: every governed file must have exactly one owner and its
// on-disk hash must match the recorded hash. Orphans and drifted files
// are reported separately; both fail the gate.
func runPlaneOwnership(ctx *Context) Result {
	const name = "plane-ownership"
	if ctx.Registry == nil {
		return Result{Gate: name, Message: "no ownership registry available"}
	}
	if ctx.Tree == "" {
		return Result{Gate: name, Message: "no governed tree configured"}
	}

	var orphans, drifted, missing []string

	seen := make(map[string]bool)
	err := filepath.WalkDir(ctx.Tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(ctx.Tree, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		rec, owned := ctx.Registry.Lookup(rel)
		if !owned {
			orphans = append(orphans, rel)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if got := hash.Sum(data); got != rec.ContentHash {
			drifted = append(drifted, fmt.Sprintf("%s: on-disk %s, recorded %s (owner %s)",
				rel, got, rec.ContentHash, rec.OwnerPackageID))
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return Result{Gate: name, Message: fmt.Sprintf("failed to walk governed tree: %v", err)}
	}

	for _, rec := range ctx.Registry.Records() {
		if !seen[rec.FilePath] {
			missing = append(missing, fmt.Sprintf("%s (owner %s)", rec.FilePath, rec.OwnerPackageID))
		}
	}

	sort.Strings(orphans)
	sort.Strings(drifted)
	sort.Strings(missing)

	if len(orphans)+len(drifted)+len(missing) > 0 {
		var details []string
		for _, o := range capDetails(orphans) {
			details = append(details, "orphan: "+o)
		}
		for _, d := range capDetails(drifted) {
			details = append(details, "drift: "+d)
		}
		for _, m := range capDetails(missing) {
			details = append(details, "missing: "+m)
		}
		return Result{
			Gate: name,
			Message: fmt.Sprintf("governed tree inconsistent: %d orphan(s), %d drifted file(s), %d missing file(s)",
				len(orphans), len(drifted), len(missing)),
			Details: details,
		}
	}
	return Result{
		Gate:    name,
		Passed:  true,
		Message: fmt.Sprintf("all %d governed file(s) owned and hash-consistent", ctx.Registry.Len()),
	}
}

// runDependencyChain resolves the incoming manifest's declared
// dependencies against the installed set and rejects dependency cycles.
// Cycles are found by topological sort; the specific members are named.
func runDependencyChain(ctx *Context) Result {
	const name = "dependency-chain"

	installed := make(map[string]InstalledPackage, len(ctx.Installed))
	for _, p := range ctx.Installed {
		installed[p.PackageID] = p
	}

	var unsatisfied []string
	graph := make(map[string][]string)
	for _, p := range ctx.Installed {
		for _, dep := range p.Dependencies {
			graph[p.PackageID] = append(graph[p.PackageID], dep.PackageID)
		}
	}

	if ctx.Archive != nil && ctx.Archive.Manifest != nil {
		m := ctx.Archive.Manifest
		for _, dep := range m.Dependencies {
			graph[m.PackageID] = append(graph[m.PackageID], dep.PackageID)

			target, ok := installed[dep.PackageID]
			if !ok {
				unsatisfied = append(unsatisfied,
					fmt.Sprintf("%s requires %s %s, which is not installed", m.PackageID, dep.PackageID, dep.Constraint))
				continue
			}
			if msg := checkConstraint(m.PackageID, target, dep.Constraint); msg != "" {
				unsatisfied = append(unsatisfied, msg)
			}
		}
	}

	if cycle := findCycle(graph); len(cycle) > 0 {
		return Result{
			Gate:    name,
			Message: fmt.Sprintf("dependency cycle detected: %s", strings.Join(cycle, " -> ")),
			Details: cycle,
		}
	}

	if len(unsatisfied) > 0 {
		sort.Strings(unsatisfied)
		return Result{
			Gate:    name,
			Message: fmt.Sprintf("%d unsatisfied dependency(ies)", len(unsatisfied)),
			Details: capDetails(unsatisfied),
		}
	}
	return Result{Gate: name, Passed: true, Message: "all declared dependencies resolve, no cycles"}
}

func checkConstraint(requirer string, target InstalledPackage, constraint string) string {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Sprintf("%s declares malformed constraint %q on %s: %v", requirer, constraint, target.PackageID, err)
	}
	v, err := semver.NewVersion(target.Version)
	if err != nil {
		return fmt.Sprintf("installed %s has malformed version %q: %v", target.PackageID, target.Version, err)
	}
	if !c.Check(v) {
		return fmt.Sprintf("%s requires %s %s, but %s is installed",
			requirer, target.PackageID, constraint, target.Version)
	}
	return ""
}

// findCycle runs Kahn's algorithm; nodes that cannot be removed form at
// least one cycle. The returned slice names the cycle members in walk
// order, closing back on the first member.
func findCycle(graph map[string][]string) []string {
	indegree := make(map[string]int)
	for node := range graph {
		if _, ok := indegree[node]; !ok {
			indegree[node] = 0
		}
		for _, dep := range graph[node] {
			indegree[dep]++
		}
	}

	queue := make([]string, 0)
	for node, deg := range indegree {
		if deg == 0 {
			queue = append(queue, node)
		}
	}

	removed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		removed++
		for _, dep := range graph[node] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if removed == len(indegree) {
		return nil
	}

	// Remaining nodes with positive indegree participate in (or hang off)
	// a cycle; walk from the smallest such node to name one concretely.
	var stuck []string
	for node, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, node)
		}
	}
	sort.Strings(stuck)

	inStuck := make(map[string]bool, len(stuck))
	for _, n := range stuck {
		inStuck[n] = true
	}

	start := stuck[0]
	var cycle []string
	visited := make(map[string]bool)
	node := start
	for !visited[node] {
		visited[node] = true
		cycle = append(cycle, node)
		next := ""
		for _, dep := range graph[node] {
			if inStuck[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		node = next
	}
	cycle = append(cycle, node)
	return cycle
}

// runSignature verifies the keyed MAC over the manifest hash. A missing
// signature passes only under the explicit development override, and the
// result says so; it is never silent.
func runSignature(ctx *Context) Result {
	const name = "signature"
	if ctx.Archive == nil || ctx.Archive.Manifest == nil {
		return Result{Gate: name, Message: "no archive provided"}
	}
	m := ctx.Archive.Manifest

	if m.Signature == nil {
		if ctx.AllowUnsigned {
			return Result{
				Gate:    name,
				Passed:  true,
				Message: fmt.Sprintf("package %s is unsigned; accepted under the explicit development override", m.PackageID),
			}
		}
		return Result{Gate: name, Message: fmt.Sprintf("package %s has no signature and signature enforcement is active", m.PackageID)}
	}

	if ctx.Keyring == nil {
		return Result{Gate: name, Message: "no trusted keyring configured to verify the signature"}
	}
	if err := ctx.Keyring.Verify(ctx.ManifestHash, m.Signature.Value, m.Signature.KeyID); err != nil {
		return Result{Gate: name, Message: fmt.Sprintf("package %s: %v", m.PackageID, err)}
	}
	return Result{
		Gate:    name,
		Passed:  true,
		Message: fmt.Sprintf("package %s signed by trusted key %s", m.PackageID, m.Signature.KeyID),
	}
}
