// Package signature proves that a claimed wallet address authorised an ad event.
package signature

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"adchain/crypto"
	"adchain/ledger"
)

// Reason codes reported for unverified events.
const (
	ReasonMissingSignature   = "missing_signature"
	ReasonMalformedSignature = "malformed_signature"
	ReasonInvalidAddress     = "invalid_address"
	ReasonRecoverFailed      = "recover_failed"
	ReasonAddressMismatch    = "address_mismatch"
)

// Result describes the outcome of a verification attempt.
type Result struct {
	Verified  bool    `json:"verified"`
	Recovered *string `json:"recoveredAddress,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Message builds the exact text a wallet signs for an event.
func Message(campaignID string, eventType ledger.EventType, timestamp int64) string {
	return fmt.Sprintf("adchain event\ncampaign: %s\ntype: %s\ntimestamp: %d", campaignID, eventType, timestamp)
}

// Verify recovers the signer of the event message and compares it with the
// claimed address. Malformed input yields Verified=false with a reason; it
// never panics.
func Verify(claimedAddress, signatureHex, campaignID string, eventType ledger.EventType, timestamp int64) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Reason: ReasonRecoverFailed}
		}
	}()

	claimed := strings.TrimSpace(claimedAddress)
	if !common.IsHexAddress(claimed) {
		return Result{Reason: ReasonInvalidAddress}
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(signatureHex), "0x")
	if sigHex == "" {
		return Result{Reason: ReasonMissingSignature}
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return Result{Reason: ReasonMalformedSignature}
	}
	// Wallets emit v as 27/28; recovery expects 0/1.
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	if sig[ethcrypto.RecoveryIDOffset] > 1 {
		return Result{Reason: ReasonMalformedSignature}
	}

	digest := accounts.TextHash([]byte(Message(campaignID, eventType, timestamp)))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return Result{Reason: ReasonRecoverFailed}
	}
	recovered := ethcrypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, claimed) {
		return Result{Recovered: &recovered, Reason: ReasonAddressMismatch}
	}
	return Result{Verified: true, Recovered: &recovered}
}

// SignEvent produces the hex signature a wallet would return for the event message.
func SignEvent(key *crypto.PrivateKey, campaignID string, eventType ledger.EventType, timestamp int64) (string, error) {
	sig, err := key.SignText(Message(campaignID, eventType, timestamp))
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}
