// Command seal-order encrypts an order's token and amount to the node's key,
// signs a place_order transaction and optionally submits it.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/tradebot/pkg/api"
	"github.com/uhyunpark/tradebot/pkg/app/core/transaction"
	"github.com/uhyunpark/tradebot/pkg/app/tradebot"
	"github.com/uhyunpark/tradebot/pkg/confidential"
	"github.com/uhyunpark/tradebot/pkg/crypto"
)

func main() {
	var (
		apiURL  = flag.String("api", "http://localhost:8080", "node API base URL")
		keyHex  = flag.String("key", "", "sender private key (hex); a new key is generated when empty")
		token   = flag.String("token", "", "token address to mint on settlement")
		amount  = flag.String("amount", "", "token amount (decimal)")
		delay   = flag.Duration("delay", time.Minute, "time until the order becomes executable")
		deposit = flag.String("deposit", "", "also deposit this many wei before placing the order")
		chainID = flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
		submit  = flag.Bool("submit", false, "POST the transactions instead of printing them")
	)
	flag.Parse()

	if err := run(*apiURL, *keyHex, *token, *amount, *delay, *deposit, *chainID, *submit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(apiURL, keyHex, token, amount string, delay time.Duration, deposit string, chainID int64, submit bool) error {
	if !common.IsHexAddress(token) {
		return fmt.Errorf("-token must be an address")
	}
	amt, err := transaction.ParseAmount(amount)
	if err != nil {
		return fmt.Errorf("-amount: %w", err)
	}

	// Step 1: Load or generate the sender key
	var signer *crypto.Signer
	if keyHex == "" {
		if signer, err = crypto.GenerateKey(); err != nil {
			return err
		}
		fmt.Printf("Generated key %s (private key %s)\n", signer.Address().Hex(), signer.PrivateKeyHex())
	} else if signer, err = crypto.FromPrivateKeyHex(keyHex); err != nil {
		return err
	}

	// Step 2: Fetch contract config, encryption key and current nonce
	var cfg tradebot.ConfigView
	if err := getJSON(apiURL+"/api/v1/config", &cfg); err != nil {
		return err
	}
	var ek api.EncryptionKeyInfo
	if err := getJSON(apiURL+"/api/v1/config/encryption-key", &ek); err != nil {
		return err
	}
	var acct api.DepositInfo
	if err := getJSON(apiURL+"/api/v1/accounts/"+signer.Address().Hex()+"/deposit", &acct); err != nil {
		return err
	}

	raw, err := hexutil.Decode(ek.PublicKey)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	pub, err := confidential.ParsePublicKey(raw)
	if err != nil {
		return err
	}

	eip712 := crypto.NewEIP712Signer(crypto.EIP712Domain{
		Name:              crypto.DefaultDomain().Name,
		Version:           crypto.DefaultDomain().Version,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: cfg.Contract,
	})
	nonce := acct.Nonce

	var txs []*transaction.SignedTransaction
	if deposit != "" {
		wei, err := transaction.ParseAmount(deposit)
		if err != nil {
			return fmt.Errorf("-deposit: %w", err)
		}
		nonce++
		txs = append(txs, transaction.NewDeposit(nonce, wei))
	}

	// Step 3: Seal (token, amount) and build the order
	in, err := confidential.NewSealer(pub).Seal(signer.Address(), common.HexToAddress(token), amt)
	if err != nil {
		return err
	}
	nonce++
	executeAt := uint64(time.Now().Add(delay).Unix())
	txs = append(txs, transaction.NewPlaceOrder(nonce, in.EncToken, in.EncAmount, in.Proof, executeAt))

	fmt.Printf("Order: token=%s amount=%s executeAt=%s cost=%s wei\n",
		common.HexToAddress(token).Hex(), amt.Dec(),
		time.Unix(int64(executeAt), 0).UTC().Format(time.RFC3339),
		new(uint256.Int).Mul(amt, mustPrice(cfg.UnitPrice)).Dec())
	fmt.Printf("Handles: encToken=%s encAmount=%s\n\n", hexutil.Encode(in.EncToken[:]), hexutil.Encode(in.EncAmount[:]))

	// Step 4: Sign and print or submit
	for _, tx := range txs {
		if err := tx.Sign(eip712, signer); err != nil {
			return fmt.Errorf("sign %s: %w", tx.Type, err)
		}
		body, err := tx.Serialize()
		if err != nil {
			return err
		}
		if !submit {
			fmt.Println(string(body))
			continue
		}
		out, err := post(apiURL+"/api/v1/tx", body)
		if err != nil {
			return fmt.Errorf("submit %s: %w", tx.Type, err)
		}
		fmt.Printf("%s -> %s\n", tx.Type, out)
	}
	return nil
}

func mustPrice(s string) *uint256.Int {
	p, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.NewInt(0)
	}
	return p
}

func getJSON(url string, out interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, bytes.TrimSpace(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func post(url string, body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", uuid.NewString())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return string(bytes.TrimSpace(b)), nil
}
