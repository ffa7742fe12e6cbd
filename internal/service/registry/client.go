package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/pkg/config"
)

const registryABIJSON = `[
	{"name":"owner","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"setSubnodeOwner","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"label","type":"bytes32"},{"name":"owner","type":"address"}],"outputs":[]},
	{"name":"setResolver","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"resolver","type":"address"}],"outputs":[]}
]`

const resolverABIJSON = `[
	{"name":"setContenthash","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"hash","type":"bytes"}],"outputs":[]}
]`

// Client submits the ENS transactions for deployment names under the root
// domain and answers the read-only queries the orchestrator polls with. All
// writes are fire-and-forget: they return the transaction hash as soon as the
// node accepts it for broadcast and never wait for mining.
type Client struct {
	eth         *ethclient.Client
	key         *ecdsa.PrivateKey
	from        common.Address
	signer      types.Signer
	registry    common.Address
	resolver    common.Address
	registryABI abi.ABI
	resolverABI abi.ABI
	rootNode    common.Hash
	rootDomain  string
	gasLimit    uint64
	logger      *slog.Logger
}

// New dials the Ethereum node and prepares the signing account.
func New(cfg config.DeployerConfig, logger *slog.Logger) (*Client, error) {
	if cfg.EthereumKey == "" {
		return nil, errors.New("missing ethereum private key")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.EthereumKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ethereum key: %w", err)
	}
	eth, err := ethclient.Dial(cfg.EthereumRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	registryABI, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	resolverABI, err := abi.JSON(strings.NewReader(resolverABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse resolver abi: %w", err)
	}
	return &Client{
		eth:         eth,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		signer:      types.LatestSignerForChainID(big.NewInt(cfg.EthereumChainID)),
		registry:    common.HexToAddress(cfg.EnsRegistryAddr),
		resolver:    common.HexToAddress(cfg.EnsResolverAddr),
		registryABI: registryABI,
		resolverABI: resolverABI,
		rootNode:    Namehash(cfg.EnsRootDomain),
		rootDomain:  cfg.EnsRootDomain,
		gasLimit:    cfg.EnsGasLimit,
		logger:      logger,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// fqdn expands a deployment name to its fully-qualified subdomain.
func (c *Client) fqdn(name string) string {
	return name + "." + c.rootDomain
}

// Owner returns the registry owner of the subdomain, or the empty string when
// the name has no record yet. Errors are genuine node/network failures only.
func (c *Client) Owner(ctx context.Context, name string) (string, error) {
	calldata, err := c.registryABI.Pack("owner", Namehash(c.fqdn(name)))
	if err != nil {
		return "", fmt.Errorf("pack owner call: %w", err)
	}
	raw, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.registry, Data: calldata}, nil)
	if err != nil {
		return "", fmt.Errorf("owner call for %s: %w", c.fqdn(name), err)
	}
	out, err := c.registryABI.Unpack("owner", raw)
	if err != nil {
		return "", fmt.Errorf("unpack owner result: %w", err)
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", errors.New("owner call returned unexpected type")
	}
	if addr == (common.Address{}) {
		return "", nil
	}
	return addr.Hex(), nil
}

// RegisterSubdomain submits setSubnodeOwner for name under the root node,
// making the deployer account the subdomain owner.
func (c *Client) RegisterSubdomain(ctx context.Context, name string, nonce uint64) (string, error) {
	calldata, err := c.registryABI.Pack("setSubnodeOwner", c.rootNode, LabelHash(name), c.from)
	if err != nil {
		return "", fmt.Errorf("pack setSubnodeOwner: %w", err)
	}
	return c.submit(ctx, c.registry, calldata, nonce)
}

// SetResolver points the subdomain at the public resolver.
func (c *Client) SetResolver(ctx context.Context, name string, nonce uint64) (string, error) {
	calldata, err := c.registryABI.Pack("setResolver", Namehash(c.fqdn(name)), c.resolver)
	if err != nil {
		return "", fmt.Errorf("pack setResolver: %w", err)
	}
	return c.submit(ctx, c.registry, calldata, nonce)
}

// SetContentID writes the EIP-1577 contenthash for the uploaded content onto
// the resolver record.
func (c *Client) SetContentID(ctx context.Context, name, contentID string, nonce uint64) (string, error) {
	contenthash, err := EncodeContenthash(contentID)
	if err != nil {
		return "", err
	}
	calldata, err := c.resolverABI.Pack("setContenthash", Namehash(c.fqdn(name)), contenthash)
	if err != nil {
		return "", fmt.Errorf("pack setContenthash: %w", err)
	}
	return c.submit(ctx, c.resolver, calldata, nonce)
}

// TransactionCount reads the sending account's on-chain transaction count at
// the latest block, compared against the nonce ledger before any submit.
func (c *Client) TransactionCount(ctx context.Context) (uint64, error) {
	count, err := c.eth.NonceAt(ctx, c.from, nil)
	if err != nil {
		return 0, fmt.Errorf("read transaction count: %w", err)
	}
	return count, nil
}

// TransactionStatus looks up a submitted transaction. A zero-value status
// with nil error means the transaction is not yet mined.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (domain.TxStatus, error) {
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.TxStatus{}, nil
		}
		return domain.TxStatus{}, fmt.Errorf("receipt lookup for %s: %w", txHash, err)
	}
	header, err := c.eth.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return domain.TxStatus{}, fmt.Errorf("header lookup for block %s: %w", receipt.BlockNumber, err)
	}
	return domain.TxStatus{
		Mined:       true,
		Reverted:    receipt.Status == types.ReceiptStatusFailed,
		BlockNumber: receipt.BlockNumber.Uint64(),
		BlockTime:   time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (c *Client) submit(ctx context.Context, to common.Address, calldata []byte, nonce uint64) (string, error) {
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, to, big.NewInt(0), c.gasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}
	c.logger.Info("transaction broadcast", "to", to.Hex(), "nonce", nonce, "tx", signed.Hash().Hex())
	return signed.Hash().Hex(), nil
}
