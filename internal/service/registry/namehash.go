package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Namehash computes the EIP-137 node for a fully-qualified ENS name.
func Namehash(name string) common.Hash {
	node := make([]byte, 32)
	if name != "" {
		labels := strings.Split(name, ".")
		for i := len(labels) - 1; i >= 0; i-- {
			node = crypto.Keccak256(node, crypto.Keccak256([]byte(labels[i])))
		}
	}
	return common.BytesToHash(node)
}

// LabelHash computes the keccak hash of a single label, as used by
// setSubnodeOwner.
func LabelHash(label string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte(label)))
}
