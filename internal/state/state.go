package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pakt/pakt/internal/hash"
	"github.com/pakt/pakt/internal/manifest"
)

var (
	ReceiptsBucket  = []byte("receipts")
	ManifestsBucket = []byte("manifests")
	MetadataBucket  = []byte("metadata")
)

// Receipt is the durable proof of a committed install, written after the
// workspace commit and before the outcome ledger record.
type Receipt struct {
	PackageID    string      `json:"package_id"`
	Version      string      `json:"version"`
	ManifestHash hash.Digest `json:"manifest_hash"`
	AssetCount   int         `json:"asset_count"`
	MerkleRoot   hash.Digest `json:"merkle_root"`
	OperationID  string      `json:"operation_id"`
	InstalledAt  string      `json:"installed_at"`
}

// Store is the per-tree state database: install receipts, stored manifests
// keyed by manifest hash, and metadata. Opening the store takes bolt's
// file lock, which doubles as the tree's install mutual exclusion; a
// second opener blocks until the timeout.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{ReceiptsBucket, ManifestsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveReceipt(r *Receipt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal receipt: %w", err)
		}
		return tx.Bucket(ReceiptsBucket).Put([]byte(r.PackageID), data)
	})
}

// Receipt returns the current install receipt for a package, or nil if the
// package is not installed.
func (s *Store) Receipt(packageID string) (*Receipt, error) {
	var r *Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ReceiptsBucket).Get([]byte(packageID))
		if data == nil {
			return nil
		}
		r = &Receipt{}
		return json.Unmarshal(data, r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt for %s: %w", packageID, err)
	}
	return r, nil
}

func (s *Store) DeleteReceipt(packageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ReceiptsBucket).Delete([]byte(packageID))
	})
}

// Receipts returns every install receipt sorted by package id.
func (s *Store) Receipts() ([]Receipt, error) {
	var receipts []Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ReceiptsBucket).ForEach(func(k, v []byte) error {
			var r Receipt
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("malformed receipt for %s: %w", string(k), err)
			}
			receipts = append(receipts, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].PackageID < receipts[j].PackageID })
	return receipts, nil
}

// SaveManifest stores a manifest under its manifest hash and returns the
// hash. Storage is content-addressed, so re-saving is a no-op.
func (s *Store) SaveManifest(m *manifest.Manifest) (hash.Digest, error) {
	h, err := m.ComputeHash()
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal manifest: %w", err)
		}
		return tx.Bucket(ManifestsBucket).Put([]byte(h), data)
	})
	if err != nil {
		return "", err
	}
	return h, nil
}

// ManifestByHash resolves a stored manifest. Satisfies the registry
// rebuild's manifest source.
func (s *Store) ManifestByHash(h hash.Digest) (*manifest.Manifest, error) {
	var m *manifest.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(ManifestsBucket).Get([]byte(h))
		if data == nil {
			return fmt.Errorf("manifest %s not found", h)
		}
		m = &manifest.Manifest{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(MetadataBucket).Put([]byte(key), []byte(value))
	})
}

func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})
	return value, err
}
