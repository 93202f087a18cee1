package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pakt/pakt/internal/hash"
)

// Event types recorded by the installer. Intent records are appended before
// any tree mutation, outcome records after.
const (
	EventInstallStarted   = "INSTALL_STARTED"
	EventInstalled        = "INSTALLED"
	EventInstallFailed    = "INSTALL_FAILED"
	EventUninstallStarted = "UNINSTALL_STARTED"
	EventUninstalled      = "UNINSTALLED"
	EventUninstallFailed  = "UNINSTALL_FAILED"
)

// Payload carries the event-specific fields of a ledger entry. One struct
// covers all event types; unused fields are omitted from the wire form.
type Payload struct {
	OperationID  string `json:"operation_id,omitempty"`
	Actor        string `json:"actor,omitempty"`
	PackageID    string `json:"package_id,omitempty"`
	Version      string `json:"version,omitempty"`
	ManifestHash string `json:"manifest_hash,omitempty"`
	AssetCount   int    `json:"asset_count,omitempty"`
	FailedGate   string `json:"failed_gate,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Entry is one immutable record in a partition's hash chain.
type Entry struct {
	EntryID   uint64      `json:"entry_id"`
	Timestamp string      `json:"timestamp"`
	EventType string      `json:"event_type"`
	Payload   Payload     `json:"payload"`
	PrevHash  hash.Digest `json:"prev_hash"`
	EntryHash hash.Digest `json:"entry_hash"`
}

// chainedBytes returns the canonical serialization the entry hash covers:
// the full entry minus its own hash field.
func (e *Entry) chainedBytes() ([]byte, error) {
	stripped := struct {
		EntryID   uint64      `json:"entry_id"`
		Timestamp string      `json:"timestamp"`
		EventType string      `json:"event_type"`
		Payload   Payload     `json:"payload"`
		PrevHash  hash.Digest `json:"prev_hash"`
	}{e.EntryID, e.Timestamp, e.EventType, e.Payload, e.PrevHash}
	data, err := json.Marshal(stripped)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ledger entry %d: %w", e.EntryID, err)
	}
	return data, nil
}

// Ledger is a set of append-only, hash-chained JSONL partitions under one
// directory. Each partition (tier) chains independently from the all-zero
// genesis digest.
type Ledger struct {
	dir string

	mu         sync.Mutex
	partitions map[string]*partition
}

type partition struct {
	mu     sync.Mutex
	name   string
	path   string
	head   hash.Digest
	nextID uint64
	loaded bool
}

func New(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &Ledger{dir: dir, partitions: make(map[string]*partition)}, nil
}

func (l *Ledger) partition(name string) *partition {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.partitions[name]
	if !ok {
		p = &partition{
			name: name,
			path: filepath.Join(l.dir, name+".ledger"),
			head: hash.Zero,
		}
		l.partitions[name] = p
	}
	return p
}

// Append forms a new entry chained onto the partition's current head,
// persists it durably, and returns it. The write is exclusive per
// partition and the entry hash is computed only after the entry is
// fully formed.
func (l *Ledger) Append(partitionName, eventType string, payload Payload) (*Entry, error) {
	p := l.partition(partitionName)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadHeadLocked(p); err != nil {
		return nil, err
	}

	entry := &Entry{
		EntryID:   p.nextID + 1,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Payload:   payload,
		PrevHash:  p.head,
	}

	chained, err := entry.chainedBytes()
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash.LinkDigest(chained, entry.PrevHash)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize ledger entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger partition %s: %w", partitionName, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return nil, fmt.Errorf("failed to append to ledger partition %s: %w", partitionName, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync ledger partition %s: %w", partitionName, err)
	}

	p.head = entry.EntryHash
	p.nextID = entry.EntryID
	return entry, nil
}

// ReadAll returns every entry of a partition in append order, spanning
// sealed segments followed by the active file.
func (l *Ledger) ReadAll(partitionName string) ([]Entry, error) {
	p := l.partition(partitionName)
	p.mu.Lock()
	defer p.mu.Unlock()
	return l.readAllLocked(p)
}

func (l *Ledger) readAllLocked(p *partition) ([]Entry, error) {
	var entries []Entry
	for _, path := range l.segmentPaths(p) {
		segment, err := readSegment(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, segment...)
	}
	return entries, nil
}

// segmentPaths lists sealed segments in seal order, then the active file.
func (l *Ledger) segmentPaths(p *partition) []string {
	pattern := filepath.Join(l.dir, p.name+".*.sealed")
	candidates, _ := filepath.Glob(pattern)

	// The glob star would also cross into dotted sibling partitions
	// (prod.*.sealed matches prod.eu.<seq>.sealed); keep only names whose
	// middle component is the bare sequence number.
	var sealed []string
	for _, c := range candidates {
		seq := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(c), p.name+"."), ".sealed")
		if !strings.ContainsRune(seq, '.') {
			sealed = append(sealed, c)
		}
	}
	sort.Strings(sealed)

	paths := append([]string{}, sealed...)
	if _, err := os.Stat(p.path); err == nil {
		paths = append(paths, p.path)
	}
	return paths
}

func readSegment(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger segment %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("malformed ledger record at %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger segment %s: %w", path, err)
	}
	return entries, nil
}

// loadHeadLocked recovers the partition's head hash and last entry id by
// scanning existing segments. Runs once per partition per process.
func (l *Ledger) loadHeadLocked(p *partition) error {
	if p.loaded {
		return nil
	}
	entries, err := l.readAllLocked(p)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		p.head = last.EntryHash
		p.nextID = last.EntryID
	}
	p.loaded = true
	return nil
}

// Seal rotates the partition's active file to a sealed segment as a
// whole-file operation. The chain continues across the seal boundary;
// in-place edits of sealed segments are still caught by VerifyChain.
func (l *Ledger) Seal(partitionName string) (string, error) {
	p := l.partition(partitionName)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := l.loadHeadLocked(p); err != nil {
		return "", err
	}
	if _, err := os.Stat(p.path); err != nil {
		return "", fmt.Errorf("partition %s has no active segment to seal", partitionName)
	}

	sealedPath := filepath.Join(l.dir,
		fmt.Sprintf("%s.%020d.sealed", p.name, p.nextID))
	if err := os.Rename(p.path, sealedPath); err != nil {
		return "", fmt.Errorf("failed to seal partition %s: %w", partitionName, err)
	}
	return sealedPath, nil
}

// Partitions lists every partition present in the ledger directory.
func (l *Ledger) Partitions() ([]string, error) {
	dirents, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger directory: %w", err)
	}
	seen := make(map[string]bool)
	var names []string
	for _, de := range dirents {
		name := de.Name()
		switch {
		case strings.HasSuffix(name, ".ledger"):
			name = strings.TrimSuffix(name, ".ledger")
		case strings.HasSuffix(name, ".sealed"):
			// <partition>.<seq>.sealed; the partition name itself may
			// contain dots, so strip the two trailing components only.
			name = strings.TrimSuffix(name, ".sealed")
			dot := strings.LastIndexByte(name, '.')
			if dot < 0 {
				continue
			}
			name = name[:dot]
		default:
			continue
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Head returns the partition's current head hash.
func (l *Ledger) Head(partitionName string) (hash.Digest, error) {
	p := l.partition(partitionName)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := l.loadHeadLocked(p); err != nil {
		return "", err
	}
	return p.head, nil
}
