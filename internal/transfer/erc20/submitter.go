// Package erc20 implements the transfer.Submitter capability over an ERC-20
// token contract: it signs transfer transactions with the operator key,
// broadcasts them, and polls for mined receipts. It also exposes the
// operator wallet's token balance for the order manager's balance gate.
package erc20

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const tokenABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const (
	transferGasLimit = 100_000
	receiptInterval  = 3 * time.Second
)

// Config holds the chain-side settings for the submitter.
type Config struct {
	RPCURL       string
	PrivateKey   string // hex-encoded operator key
	TokenAddress string
	ChainID      int64
	// Decimals is the token's decimal precision (6 for USDC/USDT).
	Decimals int32
}

// Submitter signs and broadcasts ERC-20 transfers from the operator wallet.
type Submitter struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	chainID  *big.Int
	decimals int32
	abi      abi.ABI
	lg       *zap.Logger
}

// New connects to the RPC endpoint and prepares the submitter.
func New(cfg Config, lg *zap.Logger) (*Submitter, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse token ABI")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse operator key")
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, errors.Wrap(err, "connect to chain RPC")
	}

	return &Submitter{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		token:    common.HexToAddress(cfg.TokenAddress),
		chainID:  big.NewInt(cfg.ChainID),
		decimals: cfg.Decimals,
		abi:      parsed,
		lg:       lg,
	}, nil
}

// Submit broadcasts a token transfer of amount to the given address and
// returns the transaction hash.
func (s *Submitter) Submit(ctx context.Context, to, _ string, amount decimal.Decimal) (string, error) {
	units := amount.Shift(s.decimals).BigInt()

	data, err := s.abi.Pack("transfer", common.HexToAddress(to), units)
	if err != nil {
		return "", errors.Wrap(err, "pack transfer call")
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", errors.Wrap(err, "fetch nonce")
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", errors.Wrap(err, "fetch gas price")
	}

	tx := types.NewTransaction(nonce, s.token, big.NewInt(0), transferGasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "broadcast transaction")
	}

	hash := signed.Hash().Hex()
	s.lg.Info("Token transfer broadcast",
		zap.String("hash", hash),
		zap.String("to", to),
		zap.String("amount", amount.String()),
		zap.Uint64("nonce", nonce),
	)
	return hash, nil
}

// WaitMined polls for the transaction receipt until it is mined or ctx ends.
// A mined receipt with a failed status is reported as an error.
func (s *Submitter) WaitMined(ctx context.Context, hash string) error {
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	txHash := common.HexToHash(hash)
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return errors.Errorf("transaction %s reverted in block %d", hash, receipt.BlockNumber.Uint64())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return errors.Wrap(err, "fetch receipt")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Balance returns the operator wallet's token balance as a decimal amount.
func (s *Submitter) Balance(ctx context.Context, _ string) (decimal.Decimal, error) {
	data, err := s.abi.Pack("balanceOf", s.from)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "pack balanceOf call")
	}

	raw, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "call balanceOf")
	}

	out, err := s.abi.Unpack("balanceOf", raw)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "unpack balanceOf result")
	}
	units, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, errors.New("unexpected balanceOf return type")
	}

	return decimal.NewFromBigInt(units, -s.decimals), nil
}
