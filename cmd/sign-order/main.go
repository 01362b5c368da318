// sign-order builds and signs an order with EIP-712, printing the JSON body
// ready to POST to /api/v1/orders. With no -key it generates a fresh keypair.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/crypto"
)

func main() {
	var (
		keyHex     = flag.String("key", "", "0x private key (generates one if empty)")
		chainID    = flag.Int64("chain-id", 1337, "EIP-712 chain id")
		settlement = flag.String("settlement", "0x0000000000000000000000000000000000000001", "settlement contract address")
		marketID   = flag.String("market", "MEME", "market id (for the request body)")
		token      = flag.String("token", "0x00000000000000000000000000000000deadbeef", "market token address (signed)")
		side       = flag.String("side", "long", "long | short")
		orderType  = flag.String("type", "limit", "limit | market")
		size       = flag.Int64("size", 100_000_000, "base quantity, 1e6 fixed point")
		leverage   = flag.Int64("leverage", 20_000, "leverage, 1e4 scaled (20000 = 2x)")
		price      = flag.Int64("price", 10_000_000, "limit price, 1e6 fixed point (0 for market)")
		tif        = flag.String("tif", "GTC", "GTC | IOC | FOK")
		deadline   = flag.Int64("deadline", 0, "unix seconds; required")
		nonce      = flag.Uint64("nonce", 0, "trader nonce")
	)
	flag.Parse()

	var signer *crypto.Signer
	var err error
	if *keyHex == "" {
		signer, err = crypto.GenerateKey()
		fatal(err)
		fmt.Fprintf(os.Stderr, "generated key: %s (keep secret)\n", signer.PrivateKeyHex())
	} else {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "trader: %s\n", signer.Address().Hex())

	typed := &crypto.OrderEIP712{
		Trader:   signer.Address(),
		Token:    common.HexToAddress(*token),
		IsLong:   *side == "long",
		Size:     big.NewInt(*size),
		Leverage: big.NewInt(*leverage),
		Price:    big.NewInt(*price),
		Deadline: big.NewInt(*deadline),
		Nonce:    new(big.Int).SetUint64(*nonce),
	}
	if *orderType == "limit" {
		typed.OrderType = 1
	}

	verifier := crypto.NewEIP712Signer(crypto.DefaultDomain(*chainID, common.HexToAddress(*settlement)))
	sig, err := verifier.SignOrder(signer, typed)
	fatal(err)

	recovered, err := verifier.RecoverOrderSigner(typed, sig)
	fatal(err)
	if recovered != signer.Address() {
		fatal(fmt.Errorf("signature round-trip failed: recovered %s", recovered.Hex()))
	}

	body := map[string]any{
		"trader":    signer.Address().Hex(),
		"market":    *marketID,
		"side":      *side,
		"type":      *orderType,
		"size":      strconv.FormatInt(*size, 10),
		"leverage":  strconv.FormatInt(*leverage, 10),
		"price":     strconv.FormatInt(*price, 10),
		"tif":       *tif,
		"deadline":  *deadline,
		"nonce":     *nonce,
		"signature": crypto.SignatureHex(sig),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	fatal(err)
	fmt.Println(string(out))

	fmt.Fprintln(os.Stderr, "\nPOST this to http://localhost:8080/api/v1/orders")
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
