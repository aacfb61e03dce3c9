package export

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/fyrsmithlabs/verifyd/internal/faults"
)

// Tree is a binary Merkle tree over an ordered list of hex SHA-256
// leaves. All levels are retained, bottom to top, so proofs and full
// re-verification need no recomputation of intermediate state.
type Tree struct {
	Root      string     `json:"root"`
	Leaves    []string   `json:"leaves"`
	Levels    [][]string `json:"levels"`
	LeafCount int        `json:"leaf_count"`
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Sibling   string `json:"sibling"`
	Direction string `json:"direction"` // "left" or "right"
}

// hashPair hashes the concatenation of two hex strings. The hex text is
// hashed, not the decoded bytes, matching the published verification
// instructions.
func hashPair(a, b string) string {
	sum := sha256.Sum256([]byte(a + b))
	return hex.EncodeToString(sum[:])
}

// BuildTree constructs the tree bottom-up. At each level adjacent hashes
// are paired; an odd trailing element is paired with itself, never
// dropped. An empty leaf list yields an empty root.
func BuildTree(hashes []string) *Tree {
	if len(hashes) == 0 {
		return &Tree{Leaves: []string{}, Levels: [][]string{}}
	}

	leaves := append([]string(nil), hashes...)
	levels := [][]string{leaves}

	current := leaves
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, hashPair(current[i], current[i+1]))
			} else {
				next = append(next, hashPair(current[i], current[i]))
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{
		Root:      current[0],
		Leaves:    leaves,
		Levels:    levels,
		LeafCount: len(leaves),
	}
}

// Proof returns the sibling path for the leaf at index.
func (t *Tree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount {
		return nil, faults.Validationf("leaf index %d out of range [0, %d)", index, t.LeafCount)
	}

	var proof []ProofStep
	i := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := i ^ 1
		if sibling >= len(level) {
			// Odd trailing element was paired with itself.
			sibling = i
		}
		direction := "right"
		if sibling < i {
			direction = "left"
		}
		proof = append(proof, ProofStep{Sibling: level[sibling], Direction: direction})
		i /= 2
	}
	return proof, nil
}

// VerifyProof replays a proof path and compares against the root.
func VerifyProof(leaf string, proof []ProofStep, root string) bool {
	current := leaf
	for _, step := range proof {
		if step.Direction == "left" {
			current = hashPair(step.Sibling, current)
		} else {
			current = hashPair(current, step.Sibling)
		}
	}
	return current == root
}
