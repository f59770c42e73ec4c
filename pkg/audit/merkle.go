package audit

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/oxford22/guthwine/pkg/contracts"
	guerr "github.com/oxford22/guthwine/pkg/errors"
)

const (
	leafPrefix = "guthwine:audit:leaf:v1\x00"
	nodePrefix = "guthwine:audit:node:v1\x00"
)

// hashLeaf hashes one audit entry's entry_hash under a domain-separated
// prefix, preventing a node hash from ever being mistaken for a leaf hash.
func hashLeaf(entryHash string) string {
	sum := sha256.Sum256([]byte(leafPrefix + entryHash))
	return hexEncode(sum[:])
}

func hashNode(left, right string) string {
	sum := sha256.Sum256([]byte(nodePrefix + left + right))
	return hexEncode(sum[:])
}

// FoldMerkleRoot builds a root over entryHashes by folding SHA-256
// pairwise, duplicating the last element on odd rows (§3, §4.7).
func FoldMerkleRoot(entryHashes []string) string {
	if len(entryHashes) == 0 {
		return hexEncode(make([]byte, 32))
	}
	level := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		level[i] = hashLeaf(h)
	}
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashNode(level[i], level[i+1]))
			} else {
				next = append(next, hashNode(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling hash and side encountered walking up from a leaf
// to the root.
type ProofStep struct {
	Side        string // "left" or "right": which side the sibling sits on
	SiblingHash string
}

// InclusionProof lets a verifier recompute the root from a single leaf.
type InclusionProof struct {
	Sequence   int
	LeafHash   string
	MerkleRoot string
	Path       []ProofStep
}

// BuildInclusionProof builds a proof for the leaf at position idx within
// entryHashes.
func BuildInclusionProof(entryHashes []string, idx int) (InclusionProof, error) {
	if idx < 0 || idx >= len(entryHashes) {
		return InclusionProof{}, fmt.Errorf("audit: index out of range")
	}
	level := make([]string, len(entryHashes))
	for i, h := range entryHashes {
		level[i] = hashLeaf(h)
	}
	leafHash := level[idx]

	var path []ProofStep
	pos := idx
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			if i == pos || i+1 == pos {
				if pos == i {
					path = append(path, ProofStep{Side: "right", SiblingHash: right})
				} else {
					path = append(path, ProofStep{Side: "left", SiblingHash: left})
				}
			}
			next = append(next, hashNode(left, right))
		}
		pos = pos / 2
		level = next
	}

	return InclusionProof{Sequence: idx, LeafHash: leafHash, MerkleRoot: level[0], Path: path}, nil
}

// VerifyInclusionProof recomputes the root from p.LeafHash and p.Path and
// compares against p.MerkleRoot.
func VerifyInclusionProof(p InclusionProof) bool {
	cur := p.LeafHash
	for _, step := range p.Path {
		if step.Side == "right" {
			cur = hashNode(cur, step.SiblingHash)
		} else {
			cur = hashNode(step.SiblingHash, cur)
		}
	}
	return cur == p.MerkleRoot
}

// RollUp builds and persists a MerkleRoot over [start,end] for orgID.
func (l *Ledger) RollUp(ctx context.Context, orgID string, start, end int) (*contracts.MerkleRoot, error) {
	entries, err := l.storage.ListAuditRange(ctx, orgID, start, end)
	if err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "rollup: list range", err)
	}
	if len(entries) == 0 {
		return nil, guerr.New(guerr.KindValidation, guerr.CodeInvalidAmount, "no entries in range")
	}

	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	root := FoldMerkleRoot(hashes)

	sig, err := l.keyStore.Sign(ctx, l.signerKey, []byte(root))
	if err != nil {
		return nil, err
	}

	mr := &contracts.MerkleRoot{
		RootHash:       root,
		OrganizationID: orgID,
		StartSequence:  start,
		EndSequence:    end,
		EntryCount:     len(entries),
		Signature:      hexEncode(sig),
		CreatedAt:      l.clock.Now(),
	}
	if err := l.storage.SaveMerkleRoot(ctx, mr); err != nil {
		return nil, guerr.Wrap(guerr.KindUpstream, guerr.CodeStorageUnavailable, "save merkle root", err)
	}
	return mr, nil
}
