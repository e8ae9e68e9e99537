package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// receiptPollInterval is how often a submitted transaction is polled for its
// receipt while waiting for confirmation.
const receiptPollInterval = 2 * time.Second

// EthereumService anchors chain heads as transactions on an EVM network. The
// head hash travels in the transaction data field, so any block explorer can
// read the commitment back without custom tooling.
type EthereumService struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	signer types.Signer
	from   common.Address
	to     common.Address

	network            string
	chainID            *big.Int
	gasLimit           uint64
	gasPriceMultiplier float64
	confirmTimeout     time.Duration

	logger zerolog.Logger
}

// NewEthereumService connects to the configured RPC endpoint and validates
// the credentials and network before returning. Connection problems are
// surfaced here so a misconfigured deployment fails at startup instead of at
// the first commit cycle.
func NewEthereumService(ctx context.Context, cfg Config, logger zerolog.Logger) (*EthereumService, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url is empty", ErrNotConfigured)
	}
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: private key is empty", ErrNotConfigured)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse anchor private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial anchor rpc %s: %w", cfg.RPCURL, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	chainID, err := client.ChainID(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id from %s: %w", cfg.RPCURL, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("anchor rpc reports chain id %d, configuration expects %d for network %q",
			chainID.Int64(), cfg.ChainID, cfg.Network)
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	to := from
	if cfg.ContractAddress != "" {
		to = common.HexToAddress(cfg.ContractAddress)
	}

	l := logger.With().Str("component", "anchor").Str("mode", "ethereum").Str("network", cfg.Network).Logger()
	l.Info().
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Int64("chain_id", chainID.Int64()).
		Msg("ethereum anchor client connected")

	return &EthereumService{
		client:             client,
		key:                key,
		signer:             types.NewEIP155Signer(chainID),
		from:               from,
		to:                 to,
		network:            cfg.Network,
		chainID:            chainID,
		gasLimit:           cfg.GasLimit,
		gasPriceMultiplier: cfg.GasPriceMultiplier,
		confirmTimeout:     cfg.ConfirmTimeout,
		logger:             l,
	}, nil
}

func (e *EthereumService) Commit(ctx context.Context, headHash string, meta Metadata) (*Receipt, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch gas price: %w", err)
	}
	gasPrice = adjustGasPrice(gasPrice, e.gasPriceMultiplier)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.to,
		Value:    big.NewInt(0),
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
		Data:     []byte(dataPrefix + headHash),
	})
	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("sign anchor transaction: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("submit anchor transaction: %w", err)
	}

	txHash := signed.Hash()
	e.logger.Info().
		Str("tx", txHash.Hex()).
		Int("batch", meta.TotalEntries).
		Str("gas_price", gasPrice.String()).
		Msg("anchor transaction submitted, waiting for confirmation")

	receipt, err := e.waitReceipt(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("anchor transaction %s reverted", txHash.Hex())
	}

	return &Receipt{Reference: txHash.Hex(), Position: receipt.BlockNumber.Int64()}, nil
}

func (e *EthereumService) Verify(ctx context.Context, reference string) (*Verification, error) {
	txHash := common.HexToHash(reference)
	tx, pending, err := e.client.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return &Verification{Reference: reference, Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up transaction %s: %w", reference, err)
	}

	v := &Verification{Reference: reference, Found: true, RawData: string(tx.Data())}
	if pending {
		return v, nil
	}

	receipt, err := e.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("load receipt for %s: %w", reference, err)
	}
	v.Position = receipt.BlockNumber.Int64()
	return v, nil
}

func (e *EthereumService) Status(ctx context.Context) (*ServiceStatus, error) {
	st := &ServiceStatus{Mode: "ethereum", Network: e.network, ChainID: e.chainID.Int64()}

	block, err := e.client.BlockNumber(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("anchor rpc unreachable")
		return st, nil
	}
	st.Reachable = true
	st.Position = int64(block)
	return st, nil
}

func (e *EthereumService) Close() error {
	e.client.Close()
	return nil
}

// waitReceipt polls for the transaction receipt until it appears or the
// confirmation timeout elapses. A transaction that misses the timeout may
// still land later; the commit is reported failed either way and the covered
// entries stay pending for the next cycle.
func (e *EthereumService) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("poll receipt for %s: %w", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction %s not confirmed within %s: %w",
				txHash.Hex(), e.confirmTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// adjustGasPrice bumps the suggested gas price by the configured multiplier
// so anchor transactions are not priced out during fee spikes.
func adjustGasPrice(suggested *big.Int, multiplier float64) *big.Int {
	if multiplier <= 1.0 {
		return suggested
	}
	adjusted, _ := new(big.Float).Mul(new(big.Float).SetInt(suggested), big.NewFloat(multiplier)).Int(nil)
	return adjusted
}
