package packageindexer

import (
	"encoding/hex"
	"strings"

	"github.com/R3E-Network/noded/infrastructure/chain"
)

// namehash computes the ENS-style namehash of a dotted name, identical in
// scheme to the identity indexer's Namehash (duplicated here rather than
// imported so the two indexers stay independently wirable — see DESIGN.md).
func namehash(name string) string {
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
