package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pakt/pakt/internal/alert"
	"github.com/pakt/pakt/internal/auth"
	"github.com/pakt/pakt/internal/config"
	"github.com/pakt/pakt/internal/gate"
	"github.com/pakt/pakt/internal/installer"
	"github.com/pakt/pakt/internal/ledger"
	"github.com/pakt/pakt/internal/manifest"
	"github.com/pakt/pakt/internal/observability"
	"github.com/pakt/pakt/internal/registry"
	"github.com/pakt/pakt/internal/signing"
	"github.com/pakt/pakt/internal/state"
	"github.com/pakt/pakt/internal/workspace"
)

var (
	cfgFile   string
	tokenFlag string
)

var rootCmd = &cobra.Command{
	Use:           "pakt",
	Short:         "Pakt - Governed Package Installation Kernel",
	Long:          `A package installation kernel with an append-only ledger, gate pipeline, and rebuildable ownership registry`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "pakt.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "auth token (or PAKT_TOKEN)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(packCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(gateCheckCmd)
	rootCmd.AddCommand(rebuildRegistryCmd)
	rootCmd.AddCommand(integrityCheckCmd)
	rootCmd.AddCommand(verifyLedgerCmd)
	rootCmd.AddCommand(sealLedgerCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sweepQuarantineCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(issueTokenCmd)
}

// app wires the configured stack for one command invocation.
type app struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	store   *state.Store
	keyring *signing.Keyring
	ins     *installer.Installer
	log     zerolog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := observability.InitLogger("pakt")
	// Development overrides are accepted only as explicit, logged
	// decisions visible in every invocation that carries them.
	if cfg.Auth.Mode == "dev" {
		log.Warn().Str("role", cfg.Auth.DevRole).Msg("dev-mode authentication enabled; every caller gets this role")
	}
	if cfg.Signing.AllowUnsigned {
		log.Warn().Msg("signature enforcement disabled; unsigned packages will be accepted")
	}

	l, err := ledger.New(cfg.Ledger.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	store, err := state.Open(filepath.Join(cfg.Tree.StateDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	var keyring *signing.Keyring
	if len(cfg.Signing.Keys) > 0 {
		keyring, err = signing.NewKeyring(cfg.SigningKeys(), cfg.Signing.ActiveKeyID)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load keyring: %w", err)
		}
	}

	alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.Webhook)
	ins := installer.New(cfg, l, store, keyring, alerts, log)
	return &app{cfg: cfg, ledger: l, store: store, keyring: keyring, ins: ins, log: log}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func (a *app) identity() (auth.Identity, error) {
	if a.cfg.Auth.Mode == "dev" {
		dev, err := auth.NewDevMode(a.cfg.Auth.DevRole)
		if err != nil {
			return auth.Identity{}, err
		}
		return dev.Authenticate(os.Getenv("PAKT_SUBJECT"))
	}

	tokens, err := auth.NewTokenAuth([]byte(a.cfg.Auth.TokenSecret))
	if err != nil {
		return auth.Identity{}, err
	}
	cred := tokenFlag
	if cred == "" {
		cred = os.Getenv("PAKT_TOKEN")
	}
	return tokens.Authenticate(cred)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("pakt v0.1.0-alpha")
		fmt.Println("Governed Package Installation Kernel")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the governed tree and its state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		for _, dir := range []string{cfg.Tree.Root, cfg.Tree.WorkDir, cfg.Tree.StateDir, cfg.Ledger.Dir} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}

		store, err := state.Open(filepath.Join(cfg.Tree.StateDir, "state.db"))
		if err != nil {
			return fmt.Errorf("failed to initialize state store: %w", err)
		}
		defer store.Close()

		fmt.Printf("Initialized governed tree: %s\n", cfg.Tree.Root)
		fmt.Printf("Tier: %s\n", cfg.Tree.Tier)
		fmt.Printf("Ledger directory: %s\n", cfg.Ledger.Dir)
		fmt.Printf("State directory: %s\n", cfg.Tree.StateDir)
		return nil
	},
}

var (
	packManifest string
	packDir      string
	packOut      string
	packUnsigned bool
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Build a signed package archive from a manifest and a file tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		identity, err := a.identity()
		if err != nil {
			return err
		}
		if !auth.Authorize(identity, auth.ActionPack) {
			return fmt.Errorf("%s (role %s) may not pack: %w", identity.Subject, identity.Role, installer.ErrForbidden)
		}

		raw, err := os.ReadFile(packManifest)
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		var m manifest.Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("failed to parse manifest: %w", err)
		}
		if defects := m.ValidateStructure(); len(defects) > 0 {
			return fmt.Errorf("manifest is not well-formed: %s", manifest.FormatDefects(defects))
		}

		files := make(map[string][]byte, len(m.Assets))
		for _, asset := range m.Assets {
			data, err := os.ReadFile(filepath.Join(packDir, asset.Path))
			if err != nil {
				return fmt.Errorf("failed to read declared asset %s: %w", asset.Path, err)
			}
			files[asset.Path] = data
		}

		if !packUnsigned {
			if a.keyring == nil {
				return fmt.Errorf("no signing keys configured; use --unsigned to pack without a signature")
			}
			h, err := m.ComputeHash()
			if err != nil {
				return err
			}
			sig, keyID, err := a.keyring.Sign(h)
			if err != nil {
				return err
			}
			m.Signature = &manifest.Signature{KeyID: keyID, Value: sig}
		}

		out, err := os.Create(packOut)
		if err != nil {
			return fmt.Errorf("failed to create archive: %w", err)
		}
		defer out.Close()
		if err := manifest.WriteArchive(out, &m, files); err != nil {
			return fmt.Errorf("failed to write archive: %w", err)
		}

		h, err := m.ComputeHash()
		if err != nil {
			return err
		}
		fmt.Printf("Packed %s %s\n", m.PackageID, m.Version)
		fmt.Printf("Manifest hash: %s\n", h)
		fmt.Printf("Archive: %s\n", packOut)
		return nil
	},
}

var (
	installArchive string
	installID      string
	installForce   bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a package archive into the governed tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		identity, err := a.identity()
		if err != nil {
			return err
		}
		archive, err := readArchive(installArchive)
		if err != nil {
			return err
		}
		// The manifest is authoritative for identity; an explicit --id is
		// a cross-check, never a source of truth.
		if installID != "" && installID != archive.Manifest.PackageID {
			return fmt.Errorf("archive manifest declares %s, not %s", archive.Manifest.PackageID, installID)
		}

		res, err := a.ins.Install(identity, archive, installForce)
		if err != nil {
			return err
		}
		if res.Noop {
			fmt.Printf("%s %s is already installed (manifest %s)\n", res.PackageID, res.Version, res.ManifestHash)
			return nil
		}
		fmt.Printf("Installed %s %s\n", res.PackageID, res.Version)
		fmt.Printf("Operation: %s\n", res.OperationID)
		fmt.Printf("Merkle root: %s\n", res.MerkleRoot)
		return nil
	},
}

var uninstallID string

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove an installed package from the governed tree",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		identity, err := a.identity()
		if err != nil {
			return err
		}
		if err := a.ins.Uninstall(identity, uninstallID); err != nil {
			return err
		}
		fmt.Printf("Uninstalled %s\n", uninstallID)
		return nil
	},
}

var (
	gateCheckArchive string
	gateCheckGate    string
	gateCheckEnforce bool
	gateCheckJSON    bool
)

var gateCheckCmd = &cobra.Command{
	Use:   "gate-check",
	Short: "Run install gates against an archive without installing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		archive, err := readArchive(gateCheckArchive)
		if err != nil {
			return err
		}
		res, err := a.ins.GateCheck(archive, gateCheckGate)
		if err != nil {
			return err
		}
		if err := printSequence(res, gateCheckJSON); err != nil {
			return err
		}
		if !res.Passed() && gateCheckEnforce {
			return &installer.GateError{Result: res.Failure(), Passed: res.PassedGates()}
		}
		return nil
	},
}

var rebuildRegistryCmd = &cobra.Command{
	Use:   "rebuild-registry",
	Short: "Rebuild the ownership registry by replaying the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		reg, err := a.ins.RebuildRegistry()
		if err != nil {
			return err
		}
		fmt.Printf("Registry rebuilt: %d files, %d ownership transfers\n", reg.Len(), len(reg.Transfers()))
		for _, tr := range reg.Transfers() {
			fmt.Printf("  transfer: %s (%s -> %s)\n", tr.Path, tr.From, tr.To)
		}
		return nil
	},
}

var integrityJSON bool

var integrityCheckCmd = &cobra.Command{
	Use:   "integrity-check",
	Short: "Verify the ledger chains and the governed tree against the registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		identity, err := a.identity()
		if err != nil {
			return err
		}
		res, err := a.ins.IntegrityCheck(identity)
		if err != nil {
			return err
		}
		if err := printSequence(res, integrityJSON); err != nil {
			return err
		}
		if !res.Passed() {
			return &installer.GateError{Result: res.Failure(), Passed: res.PassedGates()}
		}
		return nil
	},
}

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger [tier]",
	Short: "Verify ledger hash chain integrity",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		partitions := args
		if len(partitions) == 0 {
			partitions, err = a.ledger.Partitions()
			if err != nil {
				return err
			}
		}

		var failed error
		for _, p := range partitions {
			fmt.Printf("Verifying tier: %s\n", p)
			if err := a.ledger.VerifyChain(p); err != nil {
				fmt.Printf("  ❌ FAILED: %v\n", err)
				failed = err
			} else {
				fmt.Printf("  ✅ OK: Hash chain is intact\n")
			}
		}
		return failed
	},
}

var sealLedgerCmd = &cobra.Command{
	Use:   "seal-ledger <tier>",
	Short: "Rotate a tier's active ledger file into a sealed segment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		// Verify before sealing so a broken chain is never archived as
		// if it were good history.
		if err := a.ledger.VerifyChain(args[0]); err != nil {
			return err
		}
		sealed, err := a.ledger.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Sealed %s ledger segment: %s\n", args[0], sealed)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Close operations interrupted before an outcome was recorded",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		closed, err := a.ins.Reconcile()
		if err != nil {
			return err
		}
		if len(closed) == 0 {
			fmt.Println("No dangling operations found")
			return nil
		}
		for _, c := range closed {
			fmt.Printf("Closed %s for %s (tier %s) as %s\n", c.OperationID, c.PackageID, c.Partition, c.EventType)
		}
		return nil
	},
}

var sweepQuarantineCmd = &cobra.Command{
	Use:   "sweep-quarantine",
	Short: "Remove quarantined workspaces past the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		removed, err := workspace.SweepQuarantine(cfg.Tree.WorkDir, cfg.QuarantineRetention())
		if err != nil {
			return err
		}
		fmt.Printf("Swept %d quarantined workspaces (retention %s)\n", removed, cfg.QuarantineRetention())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display tree, ledger, and registry status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("Governed tree: %s\n", a.cfg.Tree.Root)
		fmt.Printf("Tier: %s\n", a.cfg.Tree.Tier)

		partitions, err := a.ledger.Partitions()
		if err != nil {
			return err
		}
		fmt.Printf("\nLedger tiers:\n")
		if len(partitions) == 0 {
			fmt.Println("  (empty)")
		}
		for _, p := range partitions {
			head, err := a.ledger.Head(p)
			if err != nil {
				return err
			}
			fmt.Printf("  - %s\n", p)
			fmt.Printf("    head: %s\n", head)
		}

		receipts, err := a.store.Receipts()
		if err != nil {
			return err
		}
		fmt.Printf("\nInstalled packages:\n")
		if len(receipts) == 0 {
			fmt.Println("  (none)")
		}
		for _, r := range receipts {
			fmt.Printf("  - %s %s (%d assets)\n", r.PackageID, r.Version, r.AssetCount)
			fmt.Printf("    manifest: %s\n", r.ManifestHash)
		}

		reg, err := registry.Load(filepath.Join(a.cfg.Tree.StateDir, installer.RegistryFile))
		if err == nil {
			fmt.Printf("\nRegistry: %d owned files\n", reg.Len())
		} else if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("\nRegistry: not yet built (run rebuild-registry)\n")
		} else {
			return err
		}
		return nil
	},
}

var (
	issueSubject string
	issueRole    string
)

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue an auth token for a subject and role",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		tokens, err := auth.NewTokenAuth([]byte(cfg.Auth.TokenSecret))
		if err != nil {
			return err
		}
		token, err := tokens.IssueToken(issueSubject, issueRole)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func readArchive(path string) (*manifest.Archive, error) {
	if path == "" {
		return nil, fmt.Errorf("an archive path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()
	archive, err := manifest.ReadArchive(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	return archive, nil
}

func printSequence(res *gate.SequenceResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, r := range res.Results {
		if r.Passed {
			fmt.Printf("  ✅ %s: %s\n", r.Gate, r.Message)
		} else {
			fmt.Printf("  ❌ %s: %s\n", r.Gate, r.Message)
			for _, d := range r.Details {
				fmt.Printf("      %s\n", d)
			}
		}
	}
	return nil
}

func init() {
	packCmd.Flags().StringVar(&packManifest, "manifest", "", "manifest JSON path")
	packCmd.Flags().StringVar(&packDir, "dir", "", "directory holding the declared assets")
	packCmd.Flags().StringVar(&packOut, "out", "", "output archive path")
	packCmd.Flags().BoolVar(&packUnsigned, "unsigned", false, "pack without a signature")
	packCmd.MarkFlagRequired("manifest")
	packCmd.MarkFlagRequired("dir")
	packCmd.MarkFlagRequired("out")

	installCmd.Flags().StringVar(&installArchive, "archive", "", "package archive path")
	installCmd.Flags().StringVar(&installID, "id", "", "expected package id (cross-checked against the manifest)")
	installCmd.Flags().BoolVar(&installForce, "force", false, "reinstall even when the identical manifest is installed")
	installCmd.MarkFlagRequired("archive")

	uninstallCmd.Flags().StringVar(&uninstallID, "id", "", "package id")
	uninstallCmd.MarkFlagRequired("id")

	gateCheckCmd.Flags().StringVar(&gateCheckArchive, "archive", "", "package archive path")
	gateCheckCmd.Flags().StringVar(&gateCheckGate, "gate", "", "run a single named gate")
	gateCheckCmd.Flags().BoolVar(&gateCheckEnforce, "enforce", false, "exit non-zero when a gate fails")
	gateCheckCmd.Flags().BoolVar(&gateCheckJSON, "json", false, "emit results as JSON")
	gateCheckCmd.MarkFlagRequired("archive")

	integrityCheckCmd.Flags().BoolVar(&integrityJSON, "json", false, "emit results as JSON")

	issueTokenCmd.Flags().StringVar(&issueSubject, "subject", "", "token subject")
	issueTokenCmd.Flags().StringVar(&issueRole, "role", "", "token role")
	issueTokenCmd.MarkFlagRequired("subject")
	issueTokenCmd.MarkFlagRequired("role")
}

// Exit codes: 0 success, 1 gate/validation/policy failure (including
// ownership conflicts, chain breaks, and authorization denials),
// 2 usage or operational error.
func exitCode(err error) int {
	var gateErr *installer.GateError
	var conflictErr *registry.ConflictError
	var authErr *auth.AuthError
	switch {
	case errors.As(err, &gateErr),
		errors.As(err, &conflictErr),
		errors.As(err, &authErr),
		errors.Is(err, installer.ErrForbidden),
		ledger.IsChainBreak(err):
		return 1
	}
	return 2
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
