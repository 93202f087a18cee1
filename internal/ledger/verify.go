package ledger

import (
	"errors"
	"fmt"

	"github.com/pakt/pakt/internal/hash"
)

// ChainBreakError reports the first point at which a partition's hash
// chain fails to verify. It is fatal to every operation that depends on
// the partition's history; nothing attempts repair or partial recovery.
type ChainBreakError struct {
	Partition    string
	Index        int
	EntryID      uint64
	ExpectedHash hash.Digest
	ActualHash   hash.Digest
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("ledger chain broken in partition %s at index %d (entry %d): expected %s, got %s",
		e.Partition, e.Index, e.EntryID, e.ExpectedHash, e.ActualHash)
}

func IsChainBreak(err error) bool {
	var breakErr *ChainBreakError
	return errors.As(err, &breakErr)
}

// VerifyChain recomputes every entry hash from the genesis digest forward
// and fails closed on the first mismatch, reporting the index and both
// hashes. A verified nil return means no entry was altered after append.
func (l *Ledger) VerifyChain(partitionName string) error {
	entries, err := l.ReadAll(partitionName)
	if err != nil {
		return err
	}
	return VerifyEntries(partitionName, entries)
}

// VerifyEntries checks an already-loaded sequence against the chain rules.
func VerifyEntries(partitionName string, entries []Entry) error {
	prev := hash.Zero
	for i := range entries {
		e := &entries[i]

		if e.PrevHash != prev {
			return &ChainBreakError{
				Partition:    partitionName,
				Index:        i,
				EntryID:      e.EntryID,
				ExpectedHash: prev,
				ActualHash:   e.PrevHash,
			}
		}

		chained, err := e.chainedBytes()
		if err != nil {
			return err
		}
		recomputed := hash.LinkDigest(chained, e.PrevHash)
		if recomputed != e.EntryHash {
			return &ChainBreakError{
				Partition:    partitionName,
				Index:        i,
				EntryID:      e.EntryID,
				ExpectedHash: recomputed,
				ActualHash:   e.EntryHash,
			}
		}
		prev = e.EntryHash
	}
	return nil
}
