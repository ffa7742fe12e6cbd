package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/ipfs/go-cid"
)

// ipfs-ns multicodec, per the multiformats table.
const ipfsNamespace = 0xe3

// EncodeContenthash encodes an IPFS content id into the EIP-1577 contenthash
// value stored by ENS resolvers: the ipfs-ns codec varint followed by the
// binary CIDv1. Version-0 ids (the base58 Qm... form the content store
// returns) are upgraded to v1 first.
func EncodeContenthash(contentID string) ([]byte, error) {
	c, err := cid.Decode(contentID)
	if err != nil {
		return nil, fmt.Errorf("parse content id %q: %w", contentID, err)
	}
	if c.Version() == 0 {
		c = cid.NewCidV1(cid.DagProtobuf, c.Hash())
	}
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, ipfsNamespace)
	return append(buf[:n], c.Bytes()...), nil
}
