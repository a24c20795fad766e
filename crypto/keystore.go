package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrSignerMismatch is returned when a keystore decrypts to an address other
// than the one the deployment expects.
var ErrSignerMismatch = errors.New("crypto: keystore signer does not match expected address")

// KeystoreStrength selects the scrypt cost of a new keystore.
type KeystoreStrength int

const (
	// StandardKeystore is used for settlement signers.
	StandardKeystore KeystoreStrength = iota
	// LightKeystore trades brute-force resistance for speed; development only.
	LightKeystore
)

func (s KeystoreStrength) params() (n, p int) {
	if s == LightKeystore {
		return keystore.LightScryptN, keystore.LightScryptP
	}
	return keystore.StandardScryptN, keystore.StandardScryptP
}

// SaveSignerKeystore encrypts key into a v3 keystore at path. The file is
// written beside its destination and renamed into place, so an interrupted
// keygen never leaves a truncated keystore.
func SaveSignerKeystore(path string, key *PrivateKey, passphrase string, strength KeystoreStrength) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	n, p := strength.params()
	encoded, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    key.Address(),
		PrivateKey: key.PrivateKey,
	}, passphrase, n, p)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// KeystoreAddress returns the address recorded in a v3 keystore without
// decrypting it.
func KeystoreAddress(path string) (common.Address, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, err
	}
	var header struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return common.Address{}, fmt.Errorf("crypto: parse keystore %s: %w", path, err)
	}
	if !common.IsHexAddress(header.Address) {
		return common.Address{}, fmt.Errorf("crypto: keystore %s has no address", path)
	}
	return common.HexToAddress(header.Address), nil
}

// OpenSignerKeystore decrypts the keystore at path. When expected is non-zero
// the decrypted key must belong to it, which catches a deployment pointed at
// the wrong keystore before anything is signed.
func OpenSignerKeystore(path, passphrase string, expected common.Address) (*PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", path, err)
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if expected != (common.Address{}) && key.Address() != expected {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrSignerMismatch, key.Address().Hex(), expected.Hex())
	}
	return key, nil
}
