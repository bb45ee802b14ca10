package identityindexer

import (
	"encoding/hex"
	"strings"

	"github.com/R3E-Network/noded/infrastructure/chain"
)

// Namehash computes the PKI contract's hierarchical node identifier for a
// dotted name, the same recursive keccak256-of-parent-and-label scheme ENS
// popularized: namehash("") is the zero hash, and
// namehash("label.parent") = keccak256(namehash("parent") || keccak256("label")).
func Namehash(name string) string {
	node := make([]byte, 32)
	if name == "" {
		return hex.EncodeToString(node)
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := chain.Keccak256([]byte(labels[i]))
		node = chain.Keccak256(node, labelHash)
	}
	return hex.EncodeToString(node)
}
