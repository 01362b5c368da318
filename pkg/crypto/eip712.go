package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain is the domain separator for typed-data signing. It binds every
// order to one deployment of the settlement contract, preventing replay across
// chains and contracts.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain returns the MemePerp signing domain for a deployment.
func DefaultDomain(chainID int64, settlement common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "MemePerp",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: settlement,
	}
}

// OrderEIP712 is the typed-data structure traders sign in their wallets.
// Field order matches the on-chain Order struct.
type OrderEIP712 struct {
	Trader    common.Address
	Token     common.Address
	IsLong    bool
	Size      *big.Int
	Leverage  *big.Int // 1e4-scaled
	Price     *big.Int // 0 for market orders
	Deadline  *big.Int // unix seconds
	Nonce     *big.Int
	OrderType uint8 // 0 = market, 1 = limit
}

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "trader", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "isLong", Type: "bool"},
		{Name: "size", Type: "uint256"},
		{Name: "leverage", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "orderType", Type: "uint8"},
	},
}

// EIP712Signer hashes and verifies orders under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a signer bound to the given domain.
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(order *OrderEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"trader":    order.Trader.Hex(),
			"token":     order.Token.Hex(),
			"isLong":    order.IsLong,
			"size":      order.Size.String(),
			"leverage":  order.Leverage.String(),
			"price":     order.Price.String(),
			"deadline":  order.Deadline.String(),
			"nonce":     order.Nonce.String(),
			"orderType": fmt.Sprintf("%d", order.OrderType),
		},
	}
}

// HashOrder returns the 32-byte digest a wallet signs for this order.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) ([]byte, error) {
	td := e.typedData(order)

	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}

	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || messageHash)
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	digest := crypto.Keccak256Hash(raw)
	return digest.Bytes(), nil
}

// SignOrder signs an order with the given key.
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// VerifyOrderSignature reports whether signature binds order to its declared
// trader.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return false, err
	}
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false, fmt.Errorf("recover address: %w", err)
	}
	return recovered == order.Trader, nil
}

// RecoverOrderSigner recovers the address that signed an order.
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
