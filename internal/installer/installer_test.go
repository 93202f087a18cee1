package installer

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pakt/pakt/internal/alert"
	"github.com/pakt/pakt/internal/auth"
	"github.com/pakt/pakt/internal/config"
	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/ledger"
	"github.com/pakt/pakt/internal/manifest"
	"github.com/pakt/pakt/internal/registry"
	"github.com/pakt/pakt/internal/signing"
	"github.com/pakt/pakt/internal/state"
)

var admin = auth.Identity{Subject: "tester", Role: auth.RoleAdmin}

type env struct {
	ins     *Installer
	cfg     *config.Config
	ledger  *ledger.Ledger
	store   *state.Store
	keyring *signing.Keyring
}

func newEnv(t *testing.T, allowUnsigned bool) *env {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Tree: config.TreeConfig{
			Root:     filepath.Join(root, "tree"),
			WorkDir:  filepath.Join(root, "work"),
			StateDir: filepath.Join(root, "state"),
			Tier:     "default",
		},
		Ledger:  config.LedgerConfig{Dir: filepath.Join(root, "ledger")},
		Signing: config.SigningConfig{AllowUnsigned: allowUnsigned},
	}
	for _, dir := range []string{cfg.Tree.Root, cfg.Tree.WorkDir, cfg.Tree.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	l, err := ledger.New(cfg.Ledger.Dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := state.Open(filepath.Join(cfg.Tree.StateDir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	keyring, err := signing.NewKeyring(map[string][]byte{"k1": []byte("test-signing-key")}, "k1")
	if err != nil {
		t.Fatal(err)
	}
	alerts := alert.NewManager(false, "")
	ins := New(cfg, l, store, keyring, alerts, zerolog.Nop())
	return &env{ins: ins, cfg: cfg, ledger: l, store: store, keyring: keyring}
}

func testArchive(t *testing.T, packageID, version string, files map[string][]byte, deps ...manifest.Dependency) *manifest.Archive {
	t.Helper()
	m := &manifest.Manifest{
		PackageID:   packageID,
		Version:     version,
		PackageType: "library",
	}
	var paths []string
	for p, data := range files {
		m.Assets = append(m.Assets, manifest.Asset{
			Path:           p,
			ContentHash:    hash.Sum(data),
			Classification: "code",
		})
		paths = append(paths, p)
	}
	m.InstallTargets = []manifest.InstallTarget{{Namespace: "lib", Files: paths}}
	m.Dependencies = deps
	return &manifest.Archive{Manifest: m, Files: files}
}

func signArchive(t *testing.T, e *env, a *manifest.Archive) {
	t.Helper()
	h, err := a.Manifest.ComputeHash()
	if err != nil {
		t.Fatal(err)
	}
	sig, keyID, err := e.keyring.Sign(h)
	if err != nil {
		t.Fatal(err)
	}
	a.Manifest.Signature = &manifest.Signature{KeyID: keyID, Value: sig}
}

func (e *env) entries(t *testing.T) []ledger.Entry {
	t.Helper()
	entries, err := e.ledger.ReadAll("default")
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestInstall_Success(t *testing.T) {
	e := newEnv(t, false)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{
		"lib/core.py":  []byte("core"),
		"lib/util.py":  []byte("util"),
		"etc/conf.yml": []byte("conf"),
	})
	signArchive(t, e, a)

	res, err := e.ins.Install(admin, a, false)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if res.Noop {
		t.Error("expected a real install, got a no-op")
	}
	if len(res.PassedGates) != 4 {
		t.Errorf("expected 4 passed gates, got %v", res.PassedGates)
	}

	for path, want := range map[string]string{"lib/core.py": "core", "lib/util.py": "util", "etc/conf.yml": "conf"} {
		got, err := os.ReadFile(filepath.Join(e.cfg.Tree.Root, path))
		if err != nil {
			t.Fatalf("expected %s in tree: %v", path, err)
		}
		if string(got) != want {
			t.Errorf("%s content = %q, want %q", path, got, want)
		}
	}

	receipt, err := e.store.Receipt("PKG-A")
	if err != nil {
		t.Fatal(err)
	}
	if receipt == nil {
		t.Fatal("expected a receipt")
	}
	if receipt.AssetCount != 3 || receipt.MerkleRoot == "" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	entries := e.entries(t)
	if len(entries) != 2 {
		t.Fatalf("expected intent and outcome entries, got %d", len(entries))
	}
	if entries[0].EventType != ledger.EventInstallStarted || entries[1].EventType != ledger.EventInstalled {
		t.Errorf("unexpected event sequence: %s, %s", entries[0].EventType, entries[1].EventType)
	}
	if entries[0].Payload.OperationID != entries[1].Payload.OperationID {
		t.Error("intent and outcome must share an operation id")
	}

	reg, err := registry.Load(filepath.Join(e.cfg.Tree.StateDir, RegistryFile))
	if err != nil {
		t.Fatalf("expected a projected registry: %v", err)
	}
	if reg.Len() != 3 {
		t.Errorf("registry rows = %d, want 3", reg.Len())
	}
}

func TestInstall_IdempotentReinstall(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})

	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}
	before := len(e.entries(t))

	res, err := e.ins.Install(admin, a, false)
	if err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	if !res.Noop {
		t.Error("expected idempotent no-op")
	}
	if after := len(e.entries(t)); after != before {
		t.Errorf("no-op reinstall wrote ledger entries: %d -> %d", before, after)
	}
}

func TestInstall_ForceBypassesShortCircuit(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})

	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}
	res, err := e.ins.Install(admin, a, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Noop {
		t.Error("force install must not short-circuit")
	}
}

func TestInstall_SelfConsistencyFailureWritesNoLedgerEntry(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	a.Manifest.Assets[0].ContentHash = hash.Sum([]byte("something else"))

	_, err := e.ins.Install(admin, a, false)
	var gerr *GateError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GateError, got %v", err)
	}
	if gerr.Result.Gate != "self-consistency" {
		t.Errorf("failed gate = %s, want self-consistency", gerr.Result.Gate)
	}
	if n := len(e.entries(t)); n != 0 {
		t.Errorf("declaration failure must precede any ledger write, got %d entries", n)
	}
}

func TestInstall_SignatureFailureRecordsOutcome(t *testing.T) {
	e := newEnv(t, false)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	// Unsigned with enforcement active.

	_, err := e.ins.Install(admin, a, false)
	var gerr *GateError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GateError, got %v", err)
	}
	if gerr.Result.Gate != "signature" {
		t.Errorf("failed gate = %s, want signature", gerr.Result.Gate)
	}

	entries := e.entries(t)
	if len(entries) != 2 {
		t.Fatalf("expected intent and failure outcome, got %d entries", len(entries))
	}
	if entries[1].EventType != ledger.EventInstallFailed {
		t.Errorf("outcome = %s, want %s", entries[1].EventType, ledger.EventInstallFailed)
	}
	if entries[1].Payload.FailedGate != "signature" {
		t.Errorf("failed_gate = %q, want signature", entries[1].Payload.FailedGate)
	}

	if _, err := os.Stat(filepath.Join(e.cfg.Tree.Root, "lib/a.py")); !os.IsNotExist(err) {
		t.Error("failed install must not touch the tree")
	}

	// Staged content is quarantined, not deleted.
	matches, _ := filepath.Glob(filepath.Join(e.cfg.Tree.WorkDir, "quarantine", "*"))
	if len(matches) == 0 {
		t.Error("expected quarantined workspace evidence")
	}
}

func TestInstall_CommitFailureQuarantinesWorkspace(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{
		"aa/x.py": []byte("x"),
		"zz/y.py": []byte("y"),
	})
	// A regular file where the commit needs a directory fails the second
	// placement after the first has already landed.
	if err := os.WriteFile(filepath.Join(e.cfg.Tree.Root, "zz"), []byte("blocker"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := e.ins.Install(admin, a, false)
	if err == nil {
		t.Fatal("expected commit failure")
	}

	entries := e.entries(t)
	last := entries[len(entries)-1]
	if last.EventType != ledger.EventInstallFailed {
		t.Errorf("outcome = %s, want %s", last.EventType, ledger.EventInstallFailed)
	}

	if _, err := os.Stat(filepath.Join(e.cfg.Tree.Root, "aa", "x.py")); !os.IsNotExist(err) {
		t.Error("failed commit must leave the tree fully pre-commit")
	}

	// The dead workspace must not linger in the staging area; it is moved
	// to quarantine with its staged content intact.
	stale, _ := filepath.Glob(filepath.Join(e.cfg.Tree.WorkDir, "stage", "*"))
	if len(stale) != 0 {
		t.Errorf("expected empty staging area after failed commit, got %v", stale)
	}
	for _, rel := range []string{"aa/x.py", "zz/y.py"} {
		matches, _ := filepath.Glob(filepath.Join(e.cfg.Tree.WorkDir, "quarantine", "*", "staged", filepath.FromSlash(rel)))
		if len(matches) != 1 {
			t.Errorf("expected %s preserved in quarantine", rel)
		}
	}
}

func TestInstall_OwnershipConflictFailsClosed(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/shared.py": []byte("original")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	b := testArchive(t, "PKG-B", "1.0.0", map[string][]byte{"lib/shared.py": []byte("hijacked")})
	_, err := e.ins.Install(admin, b, false)
	var cerr *registry.ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if cerr.Conflicts[0].Path != "lib/shared.py" || cerr.Conflicts[0].CurrentOwner != "PKG-A" {
		t.Errorf("conflict must name path and owners, got %+v", cerr.Conflicts[0])
	}

	got, err := os.ReadFile(filepath.Join(e.cfg.Tree.Root, "lib/shared.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Error("conflicting install must not alter the tree")
	}

	entries := e.entries(t)
	last := entries[len(entries)-1]
	if last.EventType != ledger.EventInstallFailed || last.Payload.PackageID != "PKG-B" {
		t.Errorf("expected INSTALL_FAILED for PKG-B, got %s for %s", last.EventType, last.Payload.PackageID)
	}
}

func TestInstall_DependencyAuthorizesTransfer(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/shared.py": []byte("original")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	b := testArchive(t, "PKG-B", "1.0.0", map[string][]byte{"lib/shared.py": []byte("superseded")},
		manifest.Dependency{PackageID: "PKG-A", Constraint: "^1.0.0"})
	if _, err := e.ins.Install(admin, b, false); err != nil {
		t.Fatalf("dependency-backed takeover should succeed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(e.cfg.Tree.Root, "lib/shared.py"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "superseded" {
		t.Error("expected the transferred file to carry the new owner's content")
	}
}

func TestInstall_UnsatisfiedDependencyFails(t *testing.T) {
	e := newEnv(t, true)
	b := testArchive(t, "PKG-B", "1.0.0", map[string][]byte{"lib/b.py": []byte("b")},
		manifest.Dependency{PackageID: "PKG-MISSING", Constraint: "^1.0.0"})

	_, err := e.ins.Install(admin, b, false)
	var gerr *GateError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GateError, got %v", err)
	}
	if gerr.Result.Gate != "dependency-chain" {
		t.Errorf("failed gate = %s, want dependency-chain", gerr.Result.Gate)
	}
}

func TestInstall_Unauthorized(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})

	reader := auth.Identity{Subject: "viewer", Role: auth.RoleReader}
	_, err := e.ins.Install(reader, a, false)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if n := len(e.entries(t)); n != 0 {
		t.Errorf("denied install must not write the ledger, got %d entries", n)
	}
}

func TestUninstall(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	if err := e.ins.Uninstall(admin, "PKG-A"); err != nil {
		t.Fatalf("uninstall failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.cfg.Tree.Root, "lib/a.py")); !os.IsNotExist(err) {
		t.Error("expected the file removed from the tree")
	}
	receipt, err := e.store.Receipt("PKG-A")
	if err != nil {
		t.Fatal(err)
	}
	if receipt != nil {
		t.Error("expected the receipt deleted")
	}

	entries := e.entries(t)
	last := entries[len(entries)-1]
	if last.EventType != ledger.EventUninstalled {
		t.Errorf("last event = %s, want %s", last.EventType, ledger.EventUninstalled)
	}

	reg, err := registry.Load(filepath.Join(e.cfg.Tree.StateDir, RegistryFile))
	if err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected an empty registry after uninstall, got %d rows", reg.Len())
	}

	// Removed content is quarantined, not destroyed.
	matches, _ := filepath.Glob(filepath.Join(e.cfg.Tree.WorkDir, "quarantine", "*", "staged", "lib", "a.py"))
	if len(matches) != 1 {
		t.Error("expected removed content preserved in quarantine")
	}
}

func TestUninstall_BlockedByDependents(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}
	b := testArchive(t, "PKG-B", "1.0.0", map[string][]byte{"lib/b.py": []byte("b")},
		manifest.Dependency{PackageID: "PKG-A", Constraint: "^1.0.0"})
	if _, err := e.ins.Install(admin, b, false); err != nil {
		t.Fatal(err)
	}

	err := e.ins.Uninstall(admin, "PKG-A")
	if err == nil {
		t.Fatal("expected uninstall to be blocked")
	}
	if !strings.Contains(err.Error(), "PKG-B") {
		t.Errorf("error must name the blocking dependent, got: %v", err)
	}
	if _, serr := os.Stat(filepath.Join(e.cfg.Tree.Root, "lib/a.py")); serr != nil {
		t.Error("blocked uninstall must leave the tree intact")
	}
}

func TestUninstall_NotInstalled(t *testing.T) {
	e := newEnv(t, true)
	if err := e.ins.Uninstall(admin, "PKG-GHOST"); err == nil {
		t.Fatal("expected an error for an unknown package")
	}
}

func TestReconcile_ClosesDanglingIntents(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after the intent write.
	if _, err := e.ledger.Append("default", ledger.EventInstallStarted, ledger.Payload{
		OperationID: "deadbeef00000000",
		Actor:       "tester",
		PackageID:   "PKG-CRASHED",
		Version:     "2.0.0",
	}); err != nil {
		t.Fatal(err)
	}

	closed, err := e.ins.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed intent, got %d", len(closed))
	}
	if closed[0].OperationID != "deadbeef00000000" || closed[0].EventType != ledger.EventInstallFailed {
		t.Errorf("unexpected reconciliation: %+v", closed[0])
	}

	entries := e.entries(t)
	last := entries[len(entries)-1]
	if last.Payload.Reason != "interrupted" {
		t.Errorf("reason = %q, want interrupted", last.Payload.Reason)
	}

	// A second pass finds nothing.
	closed, err = e.ins.Reconcile()
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 0 {
		t.Errorf("expected reconcile to be idempotent, closed %d", len(closed))
	}
}

func TestGateCheck_DoesNotMutate(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})

	res, err := e.ins.GateCheck(a, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed() {
		t.Errorf("expected the sequence to pass: %s", res.String())
	}
	if n := len(e.entries(t)); n != 0 {
		t.Errorf("gate-check must not write the ledger, got %d entries", n)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.Tree.Root, "lib/a.py")); !os.IsNotExist(err) {
		t.Error("gate-check must not touch the tree")
	}
}

func TestGateCheck_SingleGate(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})

	res, err := e.ins.GateCheck(a, "self-consistency")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Results) != 1 || res.Results[0].Gate != "self-consistency" {
		t.Errorf("unexpected results: %+v", res.Results)
	}

	if _, err := e.ins.GateCheck(a, "no-such-gate"); err == nil {
		t.Error("expected an error for an unknown gate")
	}
}

func TestIntegrityCheck(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	res, err := e.ins.IntegrityCheck(admin)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed() {
		t.Errorf("expected a healthy plane to pass: %s", res.String())
	}
}

func TestIntegrityCheck_DetectsDrift(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.cfg.Tree.Root, "lib/a.py"), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := e.ins.IntegrityCheck(admin)
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed() {
		t.Fatal("expected drift to fail the integrity check")
	}
	f := res.Failure()
	if f == nil || f.Gate != "plane-ownership" {
		t.Errorf("expected plane-ownership failure, got %+v", f)
	}
}

func TestIntegrityCheck_BrokenChain(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(e.cfg.Ledger.Dir, "default.ledger")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "PKG-A", "PKG-X", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = e.ins.IntegrityCheck(admin)
	if !ledger.IsChainBreak(err) {
		t.Fatalf("expected a chain break error, got %v", err)
	}
}

func TestVersionUpgradeReleasesDroppedAssets(t *testing.T) {
	e := newEnv(t, true)
	v1 := testArchive(t, "PKG-A", "1.0.0", map[string][]byte{
		"lib/a.py": []byte("a"),
		"lib/b.py": []byte("b"),
	})
	if _, err := e.ins.Install(admin, v1, false); err != nil {
		t.Fatal(err)
	}

	v2 := testArchive(t, "PKG-A", "2.0.0", map[string][]byte{"lib/a.py": []byte("a2")})
	if _, err := e.ins.Install(admin, v2, false); err != nil {
		t.Fatal(err)
	}

	reg, err := registry.Load(filepath.Join(e.cfg.Tree.StateDir, RegistryFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, owned := reg.Lookup("lib/b.py"); owned {
		t.Error("expected the dropped asset released from the registry")
	}
	if _, owned := reg.Lookup("lib/a.py"); !owned {
		t.Error("expected the kept asset to remain owned")
	}

	// The dropped file leaves the tree for quarantine, so the plane
	// stays clean after the upgrade.
	if _, err := os.Stat(filepath.Join(e.cfg.Tree.Root, "lib/b.py")); !os.IsNotExist(err) {
		t.Error("expected the dropped asset removed from the tree")
	}
	matches, _ := filepath.Glob(filepath.Join(e.cfg.Tree.WorkDir, "quarantine", "*-superseded", "lib", "b.py"))
	if len(matches) != 1 {
		t.Error("expected the dropped asset preserved in quarantine")
	}

	res, err := e.ins.IntegrityCheck(admin)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed() {
		t.Errorf("expected a clean plane after upgrade: %s", res.String())
	}
}

func TestInstalledPackagesFeedDependencyGate(t *testing.T) {
	e := newEnv(t, true)
	a := testArchive(t, "PKG-A", "1.2.0", map[string][]byte{"lib/a.py": []byte("a")})
	if _, err := e.ins.Install(admin, a, false); err != nil {
		t.Fatal(err)
	}

	// Constraint excludes the installed version.
	b := testArchive(t, "PKG-B", "1.0.0", map[string][]byte{"lib/b.py": []byte("b")},
		manifest.Dependency{PackageID: "PKG-A", Constraint: ">=2.0.0"})
	_, err := e.ins.Install(admin, b, false)
	var gerr *GateError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GateError, got %v", err)
	}
	if gerr.Result.Gate != "dependency-chain" {
		t.Errorf("failed gate = %s, want dependency-chain", gerr.Result.Gate)
	}
}
