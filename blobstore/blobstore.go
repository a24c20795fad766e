// Package blobstore uploads settlement summaries to content-addressed storage.
package blobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrNotFound is returned by stores that support reads when an address is unknown.
var ErrNotFound = errors.New("blobstore: content not found")

// Store persists bytes and returns their content address. Implementations must
// tolerate retries of identical payloads.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
}

// Getter reads content back by address.
type Getter interface {
	Get(ctx context.Context, address string) ([]byte, error)
}

// Address computes the CIDv1 (raw codec, sha2-256) of data. It matches what an
// IPFS node reports for single-block uploads added with raw leaves.
func Address(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("blobstore: hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// ValidateAddress checks that address parses as a CID.
func ValidateAddress(address string) error {
	if _, err := cid.Decode(address); err != nil {
		return fmt.Errorf("blobstore: invalid content address %q: %w", address, err)
	}
	return nil
}
