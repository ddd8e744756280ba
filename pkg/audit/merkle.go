package audit

import (
	"crypto/sha256"
	"fmt"
)

// Proof is an inclusion proof for one entry: the chain link fields plus the
// sibling path up to a Merkle root computed over all entry hashes at proof
// time. External verifiers check both the hash-chain link and the tree path.
type Proof struct {
	Index     uint64
	PrevHash  Hash
	EntryHash Hash
	Siblings  []Hash
	Root      Hash
	TreeSize  uint64
}

func hashPair(a, b Hash) Hash {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Proof builds an inclusion proof for entry i over the current log snapshot.
func (c *Chain) Proof(i uint64) (Proof, error) {
	c.mu.Lock()
	size := c.next
	c.mu.Unlock()

	if i >= size {
		return Proof{}, ErrNotFound
	}

	leaves := make([]Hash, size)
	for j := uint64(0); j < size; j++ {
		e, ok, err := c.store.Get(j)
		if err != nil {
			return Proof{}, err
		}
		if !ok {
			return Proof{}, fmt.Errorf("entry %d: %w", j, ErrNotFound)
		}
		leaves[j] = e.EntryHash
	}

	target, err := c.Get(i)
	if err != nil {
		return Proof{}, err
	}

	pf := Proof{
		Index:     i,
		PrevHash:  target.PrevHash,
		EntryHash: target.EntryHash,
		TreeSize:  size,
	}

	// Odd node at the end of a level is promoted unpaired, RFC 6962 style.
	idx := i
	level := leaves
	for len(level) > 1 {
		var next []Hash
		for j := 0; j < len(level); j += 2 {
			if j+1 >= len(level) {
				next = append(next, level[j])
				continue
			}
			next = append(next, hashPair(level[j], level[j+1]))
		}
		sib := idx ^ 1
		if sib < uint64(len(level)) {
			pf.Siblings = append(pf.Siblings, level[sib])
		}
		idx /= 2
		level = next
	}
	pf.Root = level[0]
	return pf, nil
}

// VerifyProof recomputes the root from the entry hash and sibling path.
func VerifyProof(pf Proof) bool {
	if pf.TreeSize == 0 || pf.Index >= pf.TreeSize {
		return false
	}

	cur := pf.EntryHash
	idx := pf.Index
	size := pf.TreeSize
	sibs := pf.Siblings

	for size > 1 {
		if idx^1 < size {
			if len(sibs) == 0 {
				return false
			}
			sib := sibs[0]
			sibs = sibs[1:]
			if idx%2 == 0 {
				cur = hashPair(cur, sib)
			} else {
				cur = hashPair(sib, cur)
			}
		}
		idx /= 2
		size = (size + 1) / 2
	}
	return len(sibs) == 0 && cur == pf.Root
}
