package crypto

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder(trader common.Address) *OrderEIP712 {
	return &OrderEIP712{
		Trader:    trader,
		Token:     common.HexToAddress("0x00000000000000000000000000000000deadbeef"),
		IsLong:    true,
		Size:      big.NewInt(2_000_000),
		Leverage:  big.NewInt(50_000),
		Price:     big.NewInt(1_500_000),
		Deadline:  big.NewInt(1_900_000_000),
		Nonce:     big.NewInt(1),
		OrderType: 1,
	}
}

func TestSignAndRecover(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)

	e := NewEIP712Signer(DefaultDomain(1, common.HexToAddress("0x1111111111111111111111111111111111111111")))
	order := testOrder(signer.Address())

	sig, err := e.SignOrder(signer, order)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.True(t, sig[64] == 27 || sig[64] == 28)

	recovered, err := e.RecoverOrderSigner(order, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)

	ok, err := e.VerifyOrderSignature(order, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	alice, err := GenerateKey()
	require.NoError(t, err)
	mallory, err := GenerateKey()
	require.NoError(t, err)

	e := NewEIP712Signer(DefaultDomain(1, common.HexToAddress("0x1111111111111111111111111111111111111111")))

	// Mallory signs an order claiming to be from Alice.
	order := testOrder(alice.Address())
	sig, err := e.SignOrder(mallory, order)
	require.NoError(t, err)

	ok, err := e.VerifyOrderSignature(order, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsTamperedOrder(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)

	e := NewEIP712Signer(DefaultDomain(1, common.HexToAddress("0x1111111111111111111111111111111111111111")))
	order := testOrder(signer.Address())
	sig, err := e.SignOrder(signer, order)
	require.NoError(t, err)

	order.Size = big.NewInt(3_000_000)
	ok, err := e.VerifyOrderSignature(order, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDomainSeparation(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	order := testOrder(signer.Address())

	settlement := common.HexToAddress("0x1111111111111111111111111111111111111111")
	mainnet := NewEIP712Signer(DefaultDomain(1, settlement))
	testnet := NewEIP712Signer(DefaultDomain(11155111, settlement))

	sig, err := mainnet.SignOrder(signer, order)
	require.NoError(t, err)

	ok, err := testnet.VerifyOrderSignature(order, sig)
	require.NoError(t, err)
	assert.False(t, ok, "signature for chain 1 must not verify on another chain")
}

func TestHashDeterministic(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	e := NewEIP712Signer(DefaultDomain(1, common.HexToAddress("0x1111111111111111111111111111111111111111")))

	order := testOrder(signer.Address())
	h1, err := e.HashOrder(order)
	require.NoError(t, err)
	h2, err := e.HashOrder(order)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer, err := FromPrivateKeyHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), signer.Address())

	// Same key without the prefix resolves to the same address.
	same, err := FromPrivateKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), same.Address())
}

func TestTextSignatures(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)

	msg := CancelMessage("ord-123")
	sig, err := signer.SignText(msg)
	require.NoError(t, err)

	ok, err := VerifyTextSignature(signer.Address(), msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyTextSignature(signer.Address(), CancelMessage("ord-124"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCloseMessageBindsTrader(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	sig, err := a.SignText(CloseMessage("pair-1", a.Address()))
	require.NoError(t, err)

	// The same signature must not authorize closing b's side.
	ok, err := VerifyTextSignature(a.Address(), CloseMessage("pair-1", b.Address()), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
