package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// Kind classifies a failed submission.
type Kind string

const (
	// KindTransient covers RPC timeouts, dropped connections and unmined
	// transactions. These may be retried.
	KindTransient Kind = "transient"
	// The remaining kinds are contract-level rejections and are final.
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindCampaignInactive Kind = "campaign_inactive"
	KindUnauthorized     Kind = "unauthorized"
	KindRejected         Kind = "rejected"
)

// ErrTxDropped reports that a previously broadcast transaction can no longer be
// mined because its nonce was used by another transaction.
var ErrTxDropped = errors.New("chain: transaction dropped")

// Permanent reports whether the kind is a business-rule rejection.
func (k Kind) Permanent() bool { return k != KindTransient }

// SubmitError wraps a failed submission with its classification.
type SubmitError struct {
	Kind   Kind
	Reason string
	// TxHash is set when the transaction was signed and possibly broadcast
	// before the failure. RawTx holds its signed encoding for rebroadcast.
	TxHash string
	RawTx  []byte
	Err    error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("chain: submit %s", e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, defaulting to transient.
func KindOf(err error) Kind {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err is a final contract rejection.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Permanent()
}

var (
	selectorAccessControl = ethcrypto.Keccak256([]byte("AccessControlUnauthorizedAccount(address,bytes32)"))[:4]
	selectorOwnable       = ethcrypto.Keccak256([]byte("OwnableUnauthorizedAccount(address)"))[:4]
	selectorBudget        = ethcrypto.Keccak256([]byte("BudgetExhausted()"))[:4]
	selectorInactive      = ethcrypto.Keccak256([]byte("CampaignInactive()"))[:4]
)

// Classify maps an RPC error into the closed rejection taxonomy.
func Classify(err error) *SubmitError {
	if err == nil {
		return nil
	}
	var existing *SubmitError
	if errors.As(err, &existing) {
		return existing
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &SubmitError{Kind: KindTransient, Err: err}
	}

	reason, reverted := revertReason(err)
	if !reverted {
		return &SubmitError{Kind: KindTransient, Err: err}
	}
	return &SubmitError{Kind: classifyReason(reason), Reason: reason, Err: err}
}

// revertReason extracts a human readable reason and whether the error is an
// execution revert at all.
func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw := revertData(dataErr.ErrorData()); len(raw) > 0 {
			if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
				return reason, true
			}
			if len(raw) >= 4 {
				return selectorName(raw[:4]), true
			}
		}
	}
	msg := err.Error()
	const marker = "execution reverted"
	idx := strings.Index(strings.ToLower(msg), marker)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(marker):], ":"))
	return reason, true
}

func revertData(data interface{}) []byte {
	switch v := data.(type) {
	case string:
		raw, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return nil
		}
		return raw
	case []byte:
		return v
	default:
		return nil
	}
}

func selectorName(selector []byte) string {
	switch {
	case bytes.Equal(selector, selectorAccessControl):
		return "AccessControlUnauthorizedAccount"
	case bytes.Equal(selector, selectorOwnable):
		return "OwnableUnauthorizedAccount"
	case bytes.Equal(selector, selectorBudget):
		return "BudgetExhausted"
	case bytes.Equal(selector, selectorInactive):
		return "CampaignInactive"
	default:
		return "0x" + hex.EncodeToString(selector)
	}
}

func classifyReason(reason string) Kind {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "budget"):
		return KindBudgetExhausted
	case strings.Contains(lower, "inactive"), strings.Contains(lower, "not active"),
		strings.Contains(lower, "campaign ended"), strings.Contains(lower, "paused"):
		return KindCampaignInactive
	case strings.Contains(lower, "accesscontrol"), strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "not authorized"), strings.Contains(lower, "caller is not"),
		strings.Contains(lower, "missing role"):
		return KindUnauthorized
	default:
		return KindRejected
	}
}
