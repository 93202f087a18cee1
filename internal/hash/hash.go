package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Algorithm is the digest algorithm tag carried by every hash the system
// produces or accepts.
const Algorithm = "sha256"

const hexLen = sha256.Size * 2

// Zero is the fixed genesis digest: an all-zero value under the current
// algorithm tag. Ledger chains start from it.
var Zero = Digest(Algorithm + ":" + strings.Repeat("0", hexLen))

// Digest is a tagged content hash of the form "<algorithm>:<hex>".
type Digest string

func (d Digest) String() string { return string(d) }

// Hex returns the bare hex portion of the digest.
func (d Digest) Hex() string {
	if i := strings.IndexByte(string(d), ':'); i >= 0 {
		return string(d)[i+1:]
	}
	return string(d)
}

// Validate rejects untagged, unknown-algorithm, and malformed digests.
func (d Digest) Validate() error {
	i := strings.IndexByte(string(d), ':')
	if i < 0 {
		return fmt.Errorf("digest %q has no algorithm tag", string(d))
	}
	algo, hexPart := string(d)[:i], string(d)[i+1:]
	if algo != Algorithm {
		return fmt.Errorf("unsupported digest algorithm %q (expected %s)", algo, Algorithm)
	}
	if len(hexPart) != hexLen {
		return fmt.Errorf("digest %q has %d hex characters, expected %d", string(d), len(hexPart), hexLen)
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("digest %q is not valid hex: %w", string(d), err)
	}
	return nil
}

// Parse validates a raw digest string and returns it as a Digest.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	if err := d.Validate(); err != nil {
		return "", err
	}
	return d, nil
}

// Sum computes the tagged digest of raw bytes.
func Sum(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(Algorithm + ":" + hex.EncodeToString(h[:]))
}

// SumCanonical computes the tagged digest of a value's canonical JSON form.
// encoding/json serializes map keys sorted, so equal values hash equally.
func SumCanonical(v interface{}) (Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for hashing: %w", err)
	}
	return Sum(data), nil
}

// Chain links successive entries: each link digest covers the entry's
// canonical bytes concatenated with the previous link's digest.
type Chain struct {
	head Digest
}

func NewChain(genesis Digest) *Chain {
	return &Chain{head: genesis}
}

// Link computes the digest of entryBytes chained onto the current head,
// advances the head, and returns the new link digest.
func (c *Chain) Link(entryBytes []byte) Digest {
	next := LinkDigest(entryBytes, c.head)
	c.head = next
	return next
}

func (c *Chain) Head() Digest { return c.head }

func (c *Chain) SetHead(d Digest) { c.head = d }

// LinkDigest computes a link digest without touching any chain state.
// Verification uses it to recompute historical links.
func LinkDigest(entryBytes []byte, prev Digest) Digest {
	combined := make([]byte, 0, len(entryBytes)+len(prev))
	combined = append(combined, entryBytes...)
	combined = append(combined, []byte(prev)...)
	return Sum(combined)
}
