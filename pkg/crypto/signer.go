package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key and produces Ethereum-compatible signatures.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a signer with a fresh random key.
func GenerateKey() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// FromPrivateKeyHex creates a signer from a hex-encoded private key, with or
// without the 0x prefix.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() common.Address { return s.address }

// PrivateKeyHex exports the key as 0x-prefixed hex.
func (s *Signer) PrivateKeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest. The returned signature is 65 bytes [R || S || V]
// with V in {27, 28}, matching wallet conventions.
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignText signs a human-readable message under EIP-191 personal-sign
// ("\x19Ethereum Signed Message:\n" prefix), the scheme wallets use for
// cancel and close confirmations.
func (s *Signer) SignText(message string) ([]byte, error) {
	return s.Sign(accounts.TextHash([]byte(message)))
}

// RecoverAddress recovers the signing address from a 65-byte [R || S || V]
// signature over hash. Both V conventions (0/1 and 27/28) are accepted.
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyTextSignature reports whether signature is from's EIP-191 personal
// signature over message.
func VerifyTextSignature(from common.Address, message string, signature []byte) (bool, error) {
	recovered, err := RecoverAddress(accounts.TextHash([]byte(message)), signature)
	if err != nil {
		return false, err
	}
	return recovered == from, nil
}

// CancelMessage is the text a trader signs to cancel a resting order.
func CancelMessage(orderID string) string {
	return fmt.Sprintf("Cancel order %s", orderID)
}

// CloseMessage is the text a trader signs to close their side of a pair.
func CloseMessage(pairID string, trader common.Address) string {
	return fmt.Sprintf("Close pair %s for %s", pairID, trader.Hex())
}

// SignatureHex renders a signature for transport.
func SignatureHex(sig []byte) string { return hexutil.Encode(sig) }

// SignatureFromHex parses a 0x-prefixed hex signature.
func SignatureFromHex(s string) ([]byte, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return b, nil
}
