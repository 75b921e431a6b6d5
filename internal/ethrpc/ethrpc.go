// Package ethrpc is a read-only Ethereum JSON-RPC client. It holds no keys
// and exposes no method that could submit a transaction.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/riskscore/internal/chain"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidURL     = errors.New("ethrpc: invalid RPC URL")
	ErrRPCConnection  = errors.New("ethrpc: RPC connection failed")
	ErrChainMismatch  = errors.New("ethrpc: endpoint serves a different chain")
	ErrUnknownNetwork = errors.New("ethrpc: no chain ID for network")
)

// CallError wraps RPC failures with context
type CallError struct {
	Op  string // RPC method that failed
	Err error  // Underlying error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ethrpc: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability
// -----------------------------------------------------------------------------

// EthClient is the read-only slice of the go-ethereum client this package uses.
type EthClient interface {
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a client
type Config struct {
	URL     string
	Network chain.Network
}

// Option configures the client
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Client reads contract state from one network.
type Client struct {
	client  EthClient
	network chain.Network
	chainID *big.Int
}

// Compile-time interface check
var _ chain.StorageReader = (*Client)(nil)

// ChainID returns the EIP-155 chain ID of an Ethereum network.
func ChainID(n chain.Network) (*big.Int, error) {
	switch n {
	case chain.Mainnet:
		return big.NewInt(1), nil
	case chain.Testnet:
		return big.NewInt(11155111), nil // Sepolia
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, n)
}

// New creates a client. It dials lazily through go-ethereum, so an
// unreachable endpoint surfaces on the first call, not here.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	id, err := ChainID(cfg.Network)
	if err != nil {
		return nil, err
	}

	c := &Client{network: cfg.Network, chainID: id}

	// Apply options
	for _, opt := range opts {
		opt(c)
	}

	// Connect to RPC if no client provided
	if c.client == nil {
		client, err := ethclient.Dial(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("%w: URL required", ErrInvalidURL)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidURL)
	}
	return nil
}

// Network returns the network this client reads.
func (c *Client) Network() chain.Network { return c.network }

// StorageAt reads one storage slot at the latest block when blockNumber is nil.
func (c *Client) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	out, err := c.client.StorageAt(ctx, account, key, blockNumber)
	if err != nil {
		return nil, &CallError{Op: "eth_getStorageAt", Err: err}
	}
	return out, nil
}

// CheckChain verifies the endpoint serves the configured network. A
// mainnet adapter reading Sepolia storage would report wrong proxies.
func (c *Client) CheckChain(ctx context.Context) error {
	got, err := c.client.ChainID(ctx)
	if err != nil {
		return &CallError{Op: "eth_chainId", Err: err}
	}
	if got.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: got chain %s, want %s", ErrChainMismatch, got, c.chainID)
	}
	return nil
}

// Close closes the client connection
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
