package cml

import (
	"encoding/base32"

	"lukechampine.com/blake3"
)

// multihashPrefix tags the digest with a (code, length) pair so the CID
// format stays extensible if a different hash function is ever adopted.
// code 0x1e is this gateway's internal designation for blake3-256; it is
// not drawn from an external multicodec registry.
var multihashPrefix = []byte{0x1e, 0x20}

// base32Lower is RFC 4648 base32 with a lowercase alphabet and no padding,
// matching spec.md's "encode_base32_lower" requirement.
var base32Lower = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// CID computes the content-addressed identifier of canonical bytes B:
// a multihash-prefixed, base32-lowercase encoding of blake3-256(B).
func CID(b []byte) string {
	digest := blake3.Sum256(b)
	tagged := make([]byte, 0, len(multihashPrefix)+len(digest))
	tagged = append(tagged, multihashPrefix...)
	tagged = append(tagged, digest[:]...)
	return base32Lower.EncodeToString(tagged)
}

// CIDOf encodes v canonically and returns its CID in one step.
func CIDOf(v any) (string, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return "", nil, err
	}
	return CID(b), b, nil
}
