package installer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pakt/pakt/internal/alert"
	"github.com/pakt/pakt/internal/auth"
	"github.com/pakt/pakt/internal/config"
	"github.com/pakt/pakt/internal/gate"
	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/ledger"
	"github.com/pakt/pakt/internal/manifest"
	"github.com/pakt/pakt/internal/registry"
	"github.com/pakt/pakt/internal/signing"
	"github.com/pakt/pakt/internal/state"
	"github.com/pakt/pakt/internal/workspace"
)

// RegistryFile is the projected ownership registry's name under the
// state directory. The file is derived state; the ledger is the record.
const RegistryFile = "registry.csv"

// ErrForbidden marks an authorization denial. Deny is the default: an
// identity with no grant for the requested action is refused before any
// ledger write.
var ErrForbidden = errors.New("action not permitted for role")

// GateError carries the first failing gate of a sequence, plus the gates
// that passed before it so the caller can see how far the operation got.
type GateError struct {
	Result *gate.Result
	Passed []string
}

func (e *GateError) Error() string {
	if len(e.Passed) == 0 {
		return fmt.Sprintf("gate %s failed: %s", e.Result.Gate, e.Result.Message)
	}
	return fmt.Sprintf("gate %s failed after [%s]: %s",
		e.Result.Gate, strings.Join(e.Passed, ", "), e.Result.Message)
}

// Installer drives install and uninstall through the gate pipeline, the
// intent/outcome ledger protocol, and the two-phase tree commit.
type Installer struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	store   *state.Store
	engine  *gate.Engine
	keyring *signing.Keyring
	alerts  *alert.Manager
	log     zerolog.Logger
}

func New(cfg *config.Config, l *ledger.Ledger, store *state.Store, keyring *signing.Keyring, alerts *alert.Manager, log zerolog.Logger) *Installer {
	return &Installer{
		cfg:     cfg,
		ledger:  l,
		store:   store,
		engine:  gate.NewEngine(),
		keyring: keyring,
		alerts:  alerts,
		log:     log,
	}
}

// InstallResult reports what an install did. Noop marks the idempotent
// short-circuit: the exact package version was already installed and no
// ledger entry was written.
type InstallResult struct {
	PackageID    string      `json:"package_id"`
	Version      string      `json:"version"`
	ManifestHash hash.Digest `json:"manifest_hash"`
	MerkleRoot   hash.Digest `json:"merkle_root,omitempty"`
	OperationID  string      `json:"operation_id,omitempty"`
	Noop         bool        `json:"noop"`
	PassedGates  []string    `json:"passed_gates,omitempty"`
}

// Install runs the full install protocol for one archive. Declaration
// gates run before the intent is recorded; any failure after the intent
// is written as an INSTALL_FAILED outcome so the ledger always pairs
// starts with ends.
func (ins *Installer) Install(identity auth.Identity, archive *manifest.Archive, force bool) (*InstallResult, error) {
	if !auth.Authorize(identity, auth.ActionInstall) {
		return nil, fmt.Errorf("%s (role %s) may not install: %w", identity.Subject, identity.Role, ErrForbidden)
	}

	m := archive.Manifest
	manifestHash, err := m.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash manifest: %w", err)
	}

	log := ins.log.With().
		Str("package_id", m.PackageID).
		Str("version", m.Version).
		Str("actor", identity.Subject).
		Logger()

	// Idempotent short-circuit: byte-identical manifest already
	// installed means success with no new ledger entry.
	existing, err := ins.store.Receipt(m.PackageID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ManifestHash == manifestHash && !force {
		log.Info().Msg("package already installed at identical manifest, nothing to do")
		return &InstallResult{
			PackageID:    m.PackageID,
			Version:      m.Version,
			ManifestHash: manifestHash,
			MerkleRoot:   existing.MerkleRoot,
			Noop:         true,
		}, nil
	}

	reg, installed, err := ins.projectState()
	if err != nil {
		return nil, err
	}

	gctx := &gate.Context{
		Archive:       archive,
		ManifestHash:  manifestHash,
		Tree:          ins.cfg.Tree.Root,
		Registry:      reg,
		Installed:     installed,
		Keyring:       ins.keyring,
		AllowUnsigned: ins.cfg.Signing.AllowUnsigned,
	}

	// Declaration gate: the archive must be internally consistent before
	// the system commits to an operation at all.
	selfRes, err := ins.engine.RunOne("self-consistency", gctx)
	if err != nil {
		return nil, err
	}
	if !selfRes.Passed {
		log.Warn().Str("gate", selfRes.Gate).Str("reason", selfRes.Message).Msg("install rejected before intent")
		return nil, &GateError{Result: selfRes}
	}

	opID, err := newOperationID()
	if err != nil {
		return nil, err
	}
	log = log.With().Str("operation_id", opID).Logger()

	// Store the manifest before the intent so registry rebuilds can
	// always resolve the hash the ledger names.
	if _, err := ins.store.SaveManifest(m); err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventInstallStarted, ledger.Payload{
		OperationID:  opID,
		Actor:        identity.Subject,
		PackageID:    m.PackageID,
		Version:      m.Version,
		ManifestHash: string(manifestHash),
		AssetCount:   len(m.Assets),
	}); err != nil {
		return nil, fmt.Errorf("failed to record install intent: %w", err)
	}
	log.Info().Msg("install intent recorded")

	ws, err := workspace.Open(ins.cfg.Tree.WorkDir)
	if err != nil {
		return nil, ins.failInstall(opID, identity, m, "", fmt.Errorf("failed to open workspace: %w", err))
	}

	for _, path := range sortedFilePaths(archive.Files) {
		if err := ws.Stage(bytes.NewReader(archive.Files[path]), path); err != nil {
			ins.discard(ws, log)
			return nil, ins.failInstall(opID, identity, m, "", fmt.Errorf("failed to stage %s: %w", path, err))
		}
	}

	expected := make(map[string]hash.Digest, len(m.Assets))
	for _, a := range m.Assets {
		expected[a.Path] = a.ContentHash
	}
	if defects := ws.VerifyStaged(expected); len(defects) > 0 {
		ins.discard(ws, log)
		return nil, ins.failInstall(opID, identity, m, "", fmt.Errorf("staged content verification failed: %s", manifest.FormatDefects(defects)))
	}

	// Fail-closed ownership check: a path owned by another package is
	// only transferable when the incoming manifest declares a dependency
	// on the current owner.
	if conflicts := ownershipConflicts(reg, m); len(conflicts) > 0 {
		for _, c := range conflicts {
			if aerr := ins.alerts.SendOwnershipConflictAlert(c.Path, c.CurrentOwner, c.IncomingOwner); aerr != nil {
				log.Warn().Err(aerr).Msg("failed to send ownership conflict alert")
			}
		}
		ins.discard(ws, log)
		cerr := &registry.ConflictError{Conflicts: conflicts}
		return nil, ins.failInstall(opID, identity, m, "", cerr)
	}

	// Plane gates run against the tree and registry as they exist now,
	// with the staged content already verified.
	var passed []string
	passed = append(passed, "self-consistency")
	for _, name := range []string{"plane-ownership", "dependency-chain", "signature"} {
		res, err := ins.engine.RunOne(name, gctx)
		if err != nil {
			ins.discard(ws, log)
			return nil, ins.failInstall(opID, identity, m, "", err)
		}
		if !res.Passed {
			if aerr := ins.alerts.SendGateFailureAlert(m.PackageID, res.Gate, res.Message); aerr != nil {
				log.Warn().Err(aerr).Msg("failed to send gate failure alert")
			}
			ins.discard(ws, log)
			return nil, ins.failInstall(opID, identity, m, res.Gate, &GateError{Result: res, Passed: passed})
		}
		passed = append(passed, name)
	}

	if err := ws.Commit(ins.cfg.Tree.Root); err != nil {
		ins.discard(ws, log)
		return nil, ins.failInstall(opID, identity, m, "", fmt.Errorf("commit failed, tree rolled back: %w", err))
	}
	log.Info().Int("assets", len(m.Assets)).Msg("staged content committed to tree")

	// A version bump may drop assets; quarantine files the superseded
	// manifest declared that the new one no longer does.
	if existing != nil {
		if err := ins.quarantineSuperseded(opID, existing.ManifestHash, m); err != nil {
			return nil, ins.failInstall(opID, identity, m, "", err)
		}
	}

	tree := hash.NewMerkleTree()
	for _, a := range m.Assets {
		tree.AddLeaf(a.ContentHash)
	}
	receipt := &state.Receipt{
		PackageID:    m.PackageID,
		Version:      m.Version,
		ManifestHash: manifestHash,
		AssetCount:   len(m.Assets),
		MerkleRoot:   tree.Root(),
		OperationID:  opID,
		InstalledAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := ins.store.SaveReceipt(receipt); err != nil {
		return nil, ins.failInstall(opID, identity, m, "", fmt.Errorf("failed to save receipt: %w", err))
	}

	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventInstalled, ledger.Payload{
		OperationID:  opID,
		Actor:        identity.Subject,
		PackageID:    m.PackageID,
		Version:      m.Version,
		ManifestHash: string(manifestHash),
		AssetCount:   len(m.Assets),
	}); err != nil {
		return nil, fmt.Errorf("failed to record install outcome: %w", err)
	}

	if err := ins.refreshRegistry(); err != nil {
		return nil, err
	}

	log.Info().Str("merkle_root", string(receipt.MerkleRoot)).Msg("package installed")
	return &InstallResult{
		PackageID:    m.PackageID,
		Version:      m.Version,
		ManifestHash: manifestHash,
		MerkleRoot:   receipt.MerkleRoot,
		OperationID:  opID,
		PassedGates:  passed,
	}, nil
}

// failInstall writes the INSTALL_FAILED outcome paired with the given
// intent and returns cause. Outcome write failures are logged, never
// masked over the original cause.
func (ins *Installer) failInstall(opID string, identity auth.Identity, m *manifest.Manifest, failedGate string, cause error) error {
	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventInstallFailed, ledger.Payload{
		OperationID: opID,
		Actor:       identity.Subject,
		PackageID:   m.PackageID,
		Version:     m.Version,
		FailedGate:  failedGate,
		Reason:      cause.Error(),
	}); err != nil {
		ins.log.Error().Err(err).Str("operation_id", opID).Msg("failed to record install failure outcome")
	}
	return cause
}

// quarantineSuperseded moves files the previous manifest declared but the
// new one does not out of the tree and into quarantine.
func (ins *Installer) quarantineSuperseded(opID string, oldHash hash.Digest, newM *manifest.Manifest) error {
	oldM, err := ins.store.ManifestByHash(oldHash)
	if err != nil {
		return fmt.Errorf("superseded receipt references unknown manifest: %w", err)
	}

	kept := make(map[string]bool, len(newM.Assets))
	for _, a := range newM.Assets {
		if p, perr := manifest.NormalizePath(a.Path); perr == nil {
			kept[p] = true
		}
	}

	dest := filepath.Join(ins.cfg.Tree.WorkDir, "quarantine", opID+"-superseded")
	for _, a := range oldM.Assets {
		path, perr := manifest.NormalizePath(a.Path)
		if perr != nil || kept[path] {
			continue
		}
		src := filepath.Join(ins.cfg.Tree.Root, path)
		if _, serr := os.Stat(src); os.IsNotExist(serr) {
			continue
		}
		target := filepath.Join(dest, path)
		if merr := os.MkdirAll(filepath.Dir(target), 0755); merr != nil {
			return fmt.Errorf("failed to quarantine superseded %s: %w", path, merr)
		}
		if rerr := os.Rename(src, target); rerr != nil {
			return fmt.Errorf("failed to quarantine superseded %s: %w", path, rerr)
		}
	}
	return nil
}

func (ins *Installer) discard(ws *workspace.Workspace, log zerolog.Logger) {
	if err := ws.Discard(); err != nil {
		log.Warn().Err(err).Msg("failed to quarantine workspace")
		return
	}
	log.Info().Str("workspace", ws.ID).Msg("workspace quarantined")
}

// Uninstall removes a package's files from the tree and records the
// outcome. Packages with installed dependents are refused; the error
// names every blocker.
func (ins *Installer) Uninstall(identity auth.Identity, packageID string) error {
	if !auth.Authorize(identity, auth.ActionUninstall) {
		return fmt.Errorf("%s (role %s) may not uninstall: %w", identity.Subject, identity.Role, ErrForbidden)
	}

	receipt, err := ins.store.Receipt(packageID)
	if err != nil {
		return err
	}
	if receipt == nil {
		return fmt.Errorf("package %s is not installed", packageID)
	}

	blockers, err := ins.dependentsOf(packageID)
	if err != nil {
		return err
	}
	if len(blockers) > 0 {
		return fmt.Errorf("cannot uninstall %s: required by %v", packageID, blockers)
	}

	m, err := ins.store.ManifestByHash(receipt.ManifestHash)
	if err != nil {
		return fmt.Errorf("receipt for %s references unknown manifest: %w", packageID, err)
	}

	opID, err := newOperationID()
	if err != nil {
		return err
	}
	log := ins.log.With().
		Str("package_id", packageID).
		Str("operation_id", opID).
		Str("actor", identity.Subject).
		Logger()

	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventUninstallStarted, ledger.Payload{
		OperationID:  opID,
		Actor:        identity.Subject,
		PackageID:    packageID,
		Version:      receipt.Version,
		ManifestHash: string(receipt.ManifestHash),
		AssetCount:   receipt.AssetCount,
	}); err != nil {
		return fmt.Errorf("failed to record uninstall intent: %w", err)
	}

	// Removed files are quarantined, not deleted: copy into a workspace
	// first, then remove from the tree, then discard the workspace.
	ws, err := workspace.Open(ins.cfg.Tree.WorkDir)
	if err != nil {
		return ins.failUninstall(opID, identity, packageID, receipt.Version, fmt.Errorf("failed to open workspace: %w", err))
	}
	for _, a := range m.Assets {
		path, perr := manifest.NormalizePath(a.Path)
		if perr != nil {
			continue
		}
		data, rerr := os.ReadFile(filepath.Join(ins.cfg.Tree.Root, path))
		if rerr != nil {
			if os.IsNotExist(rerr) {
				continue
			}
			ins.discard(ws, log)
			return ins.failUninstall(opID, identity, packageID, receipt.Version, fmt.Errorf("failed to read %s: %w", path, rerr))
		}
		if serr := ws.Stage(bytes.NewReader(data), path); serr != nil {
			ins.discard(ws, log)
			return ins.failUninstall(opID, identity, packageID, receipt.Version, fmt.Errorf("failed to preserve %s: %w", path, serr))
		}
	}

	for _, a := range m.Assets {
		path, perr := manifest.NormalizePath(a.Path)
		if perr != nil {
			continue
		}
		full := filepath.Join(ins.cfg.Tree.Root, path)
		if rerr := os.Remove(full); rerr != nil && !os.IsNotExist(rerr) {
			ins.discard(ws, log)
			return ins.failUninstall(opID, identity, packageID, receipt.Version, fmt.Errorf("failed to remove %s: %w", path, rerr))
		}
	}
	ins.discard(ws, log)

	if err := ins.store.DeleteReceipt(packageID); err != nil {
		return ins.failUninstall(opID, identity, packageID, receipt.Version, fmt.Errorf("failed to delete receipt: %w", err))
	}

	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventUninstalled, ledger.Payload{
		OperationID: opID,
		Actor:       identity.Subject,
		PackageID:   packageID,
		Version:     receipt.Version,
	}); err != nil {
		return fmt.Errorf("failed to record uninstall outcome: %w", err)
	}

	if err := ins.refreshRegistry(); err != nil {
		return err
	}

	log.Info().Msg("package uninstalled")
	return nil
}

func (ins *Installer) failUninstall(opID string, identity auth.Identity, packageID, version string, cause error) error {
	if _, err := ins.ledger.Append(ins.cfg.Tree.Tier, ledger.EventUninstallFailed, ledger.Payload{
		OperationID: opID,
		Actor:       identity.Subject,
		PackageID:   packageID,
		Version:     version,
		Reason:      cause.Error(),
	}); err != nil {
		ins.log.Error().Err(err).Str("operation_id", opID).Msg("failed to record uninstall failure outcome")
	}
	return cause
}

// dependentsOf returns installed packages that declare a dependency on
// packageID, sorted.
func (ins *Installer) dependentsOf(packageID string) ([]string, error) {
	receipts, err := ins.store.Receipts()
	if err != nil {
		return nil, err
	}
	var blockers []string
	for _, r := range receipts {
		if r.PackageID == packageID {
			continue
		}
		m, err := ins.store.ManifestByHash(r.ManifestHash)
		if err != nil {
			return nil, fmt.Errorf("receipt for %s references unknown manifest: %w", r.PackageID, err)
		}
		if m.DependsOn(packageID) {
			blockers = append(blockers, r.PackageID)
		}
	}
	sort.Strings(blockers)
	return blockers, nil
}

// RebuildRegistry replays the ledger into a fresh registry and swaps it
// into place. The chain is verified first; a broken chain or an
// ownership conflict in history halts the rebuild.
func (ins *Installer) RebuildRegistry() (*registry.Registry, error) {
	reg, err := ins.rebuild()
	if err != nil {
		return nil, err
	}
	if err := reg.Save(filepath.Join(ins.cfg.Tree.StateDir, RegistryFile)); err != nil {
		return nil, err
	}
	ins.log.Info().Int("records", reg.Len()).Int("transfers", len(reg.Transfers())).Msg("registry rebuilt")
	return reg, nil
}

func (ins *Installer) rebuild() (*registry.Registry, error) {
	partitions, err := ins.ledger.Partitions()
	if err != nil {
		return nil, err
	}
	reg, err := registry.Rebuild(ins.ledger, partitions, ins.store)
	if err != nil {
		var breakErr *ledger.ChainBreakError
		if errors.As(err, &breakErr) {
			if aerr := ins.alerts.SendChainBrokenAlert(breakErr.Partition, breakErr.Index, string(breakErr.ExpectedHash), string(breakErr.ActualHash)); aerr != nil {
				ins.log.Warn().Err(aerr).Msg("failed to send chain break alert")
			}
		}
		var confErr *registry.ConflictError
		if errors.As(err, &confErr) {
			for _, c := range confErr.Conflicts {
				if aerr := ins.alerts.SendOwnershipConflictAlert(c.Path, c.CurrentOwner, c.IncomingOwner); aerr != nil {
					ins.log.Warn().Err(aerr).Msg("failed to send ownership conflict alert")
				}
			}
		}
		return nil, err
	}
	return reg, nil
}

func (ins *Installer) refreshRegistry() error {
	_, err := ins.RebuildRegistry()
	return err
}

// IntegrityCheck verifies every partition's hash chain, rebuilds the
// registry, and runs the plane-wide gate sequence against the tree.
func (ins *Installer) IntegrityCheck(identity auth.Identity) (*gate.SequenceResult, error) {
	if !auth.Authorize(identity, auth.ActionVerify) {
		return nil, fmt.Errorf("%s (role %s) may not verify: %w", identity.Subject, identity.Role, ErrForbidden)
	}

	partitions, err := ins.ledger.Partitions()
	if err != nil {
		return nil, err
	}
	for _, p := range partitions {
		if err := ins.ledger.VerifyChain(p); err != nil {
			var breakErr *ledger.ChainBreakError
			if errors.As(err, &breakErr) {
				if aerr := ins.alerts.SendChainBrokenAlert(breakErr.Partition, breakErr.Index, string(breakErr.ExpectedHash), string(breakErr.ActualHash)); aerr != nil {
					ins.log.Warn().Err(aerr).Msg("failed to send chain break alert")
				}
			}
			return nil, err
		}
	}

	reg, installed, err := ins.projectState()
	if err != nil {
		return nil, err
	}
	return ins.engine.Run(gate.SequenceIntegrity, &gate.Context{
		Tree:      ins.cfg.Tree.Root,
		Registry:  reg,
		Installed: installed,
		Keyring:   ins.keyring,
	})
}

// Reconciled describes one dangling intent closed by Reconcile.
type Reconciled struct {
	Partition   string `json:"partition"`
	OperationID string `json:"operation_id"`
	PackageID   string `json:"package_id"`
	EventType   string `json:"event_type"`
}

// Reconcile closes intents that never reached an outcome, as after a
// crash between the intent write and the terminal event. Each dangling
// *_STARTED entry gets a paired *_FAILED with reason "interrupted".
func (ins *Installer) Reconcile() ([]Reconciled, error) {
	partitions, err := ins.ledger.Partitions()
	if err != nil {
		return nil, err
	}

	var closed []Reconciled
	for _, p := range partitions {
		entries, err := ins.ledger.ReadAll(p)
		if err != nil {
			return nil, err
		}

		done := make(map[string]bool)
		for _, e := range entries {
			switch e.EventType {
			case ledger.EventInstalled, ledger.EventInstallFailed,
				ledger.EventUninstalled, ledger.EventUninstallFailed:
				done[e.Payload.OperationID] = true
			}
		}

		for _, e := range entries {
			var failType string
			switch e.EventType {
			case ledger.EventInstallStarted:
				failType = ledger.EventInstallFailed
			case ledger.EventUninstallStarted:
				failType = ledger.EventUninstallFailed
			default:
				continue
			}
			if done[e.Payload.OperationID] {
				continue
			}
			if _, err := ins.ledger.Append(p, failType, ledger.Payload{
				OperationID: e.Payload.OperationID,
				Actor:       e.Payload.Actor,
				PackageID:   e.Payload.PackageID,
				Version:     e.Payload.Version,
				Reason:      "interrupted",
			}); err != nil {
				return nil, fmt.Errorf("failed to close dangling intent %s: %w", e.Payload.OperationID, err)
			}
			ins.log.Warn().
				Str("partition", p).
				Str("operation_id", e.Payload.OperationID).
				Str("package_id", e.Payload.PackageID).
				Msg("closed interrupted operation")
			closed = append(closed, Reconciled{
				Partition:   p,
				OperationID: e.Payload.OperationID,
				PackageID:   e.Payload.PackageID,
				EventType:   failType,
			})
		}
	}
	return closed, nil
}

// GateCheck runs one named gate, or the full install sequence when name
// is empty, without touching the tree or the ledger.
func (ins *Installer) GateCheck(archive *manifest.Archive, name string) (*gate.SequenceResult, error) {
	manifestHash, err := archive.Manifest.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash manifest: %w", err)
	}
	reg, installed, err := ins.projectState()
	if err != nil {
		return nil, err
	}
	gctx := &gate.Context{
		Archive:       archive,
		ManifestHash:  manifestHash,
		Tree:          ins.cfg.Tree.Root,
		Registry:      reg,
		Installed:     installed,
		Keyring:       ins.keyring,
		AllowUnsigned: ins.cfg.Signing.AllowUnsigned,
	}
	if name == "" {
		return ins.engine.Run(gate.SequenceInstall, gctx)
	}
	res, err := ins.engine.RunOne(name, gctx)
	if err != nil {
		return nil, err
	}
	status := gate.StatusPassed
	if !res.Passed {
		status = gate.StatusFailed
	}
	return &gate.SequenceResult{Kind: name, Status: status, Results: []gate.Result{*res}}, nil
}

// projectState rebuilds the registry from the ledger and resolves the
// installed set from receipts and stored manifests.
func (ins *Installer) projectState() (*registry.Registry, []gate.InstalledPackage, error) {
	reg, err := ins.rebuild()
	if err != nil {
		return nil, nil, err
	}

	receipts, err := ins.store.Receipts()
	if err != nil {
		return nil, nil, err
	}
	installed := make([]gate.InstalledPackage, 0, len(receipts))
	for _, r := range receipts {
		m, err := ins.store.ManifestByHash(r.ManifestHash)
		if err != nil {
			return nil, nil, fmt.Errorf("receipt for %s references unknown manifest: %w", r.PackageID, err)
		}
		installed = append(installed, gate.InstalledPackage{
			PackageID:    m.PackageID,
			Version:      m.Version,
			Dependencies: m.Dependencies,
		})
	}
	return reg, installed, nil
}

// ownershipConflicts reports declared paths owned by another package that
// the incoming manifest has no dependency-backed claim to.
func ownershipConflicts(reg *registry.Registry, m *manifest.Manifest) []registry.Conflict {
	var conflicts []registry.Conflict
	for _, a := range m.Assets {
		path, err := manifest.NormalizePath(a.Path)
		if err != nil {
			continue
		}
		current, owned := reg.Lookup(path)
		if !owned || current.OwnerPackageID == m.PackageID || m.DependsOn(current.OwnerPackageID) {
			continue
		}
		conflicts = append(conflicts, registry.Conflict{
			Path:          path,
			CurrentOwner:  current.OwnerPackageID,
			IncomingOwner: m.PackageID,
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
	return conflicts
}

func sortedFilePaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func newOperationID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate operation id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
