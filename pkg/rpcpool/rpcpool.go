// Package rpcpool wraps a primary/backup pair of HTTP JSON-RPC
// endpoints plus one archive endpoint used only for historical
// reconciliation queries. Every call has a per-attempt timeout and
// fails over to the other endpoint on any transport or server error.
package rpcpool

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"talon"
	"talon/pkg/logging"
)

type endpoint struct {
	name   string
	client *ethclient.Client
}

// Pool is the failover HTTP connector.
type Pool struct {
	mu        sync.Mutex
	endpoints [2]*endpoint // primary, backup
	active    int
	archive   *endpoint
	timeout   time.Duration
	log       *logging.Logger
}

// Dial connects the primary, backup and archive endpoints. The archive
// endpoint must answer eth_call at arbitrary historical blocks.
func Dial(primaryURL, backupURL, archiveURL string, timeout time.Duration, log *logging.Logger) (*Pool, error) {
	primary, err := ethclient.Dial(primaryURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial primary rpc: %v", talon.ErrRPC, err)
	}
	backup, err := ethclient.Dial(backupURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial backup rpc: %v", talon.ErrRPC, err)
	}
	archive, err := ethclient.Dial(archiveURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial archive rpc: %v", talon.ErrRPC, err)
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Pool{
		endpoints: [2]*endpoint{
			{name: "primary", client: primary},
			{name: "backup", client: backup},
		},
		archive: &endpoint{name: "archive", client: archive},
		timeout: timeout,
		log:     log,
	}, nil
}

// do runs fn against the active endpoint, failing over once to the
// other endpoint when it errors. The failover sticks until the next
// failure flips it back.
func (p *Pool) do(ctx context.Context, op string, fn func(ctx context.Context, c *ethclient.Client) error) error {
	p.mu.Lock()
	first := p.active
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < len(p.endpoints); i++ {
		idx := (first + i) % len(p.endpoints)
		ep := p.endpoints[idx]

		attempt, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(attempt, ep.client)
		cancel()

		if err == nil {
			if idx != first {
				p.mu.Lock()
				p.active = idx
				p.mu.Unlock()
				p.log.Event(map[string]interface{}{"op": op, "endpoint": ep.name}).
					Warn("rpc_failover")
			}
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		p.log.Event(map[string]interface{}{"op": op, "endpoint": ep.name, "error": err.Error()}).
			Warn("rpc_call_failed")
	}
	return fmt.Errorf("%w: %s failed on all endpoints: %v", talon.ErrRPC, op, lastErr)
}

// BlockNumber returns the latest block number.
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_blockNumber", func(ctx context.Context, c *ethclient.Client) error {
		n, err := c.BlockNumber(ctx)
		out = n
		return err
	})
	return out, err
}

// HeaderByNumber fetches a header; nil number means latest.
func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var out *types.Header
	err := p.do(ctx, "eth_getBlockByNumber", func(ctx context.Context, c *ethclient.Client) error {
		h, err := c.HeaderByNumber(ctx, number)
		out = h
		return err
	})
	return out, err
}

// BlockWithTxs fetches a full block including transactions.
func (p *Pool) BlockWithTxs(ctx context.Context, number *big.Int) (*types.Block, error) {
	var out *types.Block
	err := p.do(ctx, "eth_getBlockByNumber", func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.BlockByNumber(ctx, number)
		out = b
		return err
	})
	return out, err
}

// Receipt fetches a transaction receipt.
func (p *Pool) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := p.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, c *ethclient.Client) error {
		r, err := c.TransactionReceipt(ctx, txHash)
		out = r
		return err
	})
	return out, err
}

// CallContract executes eth_call at the latest block.
func (p *Pool) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "eth_call", func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.CallContract(ctx, msg, nil)
		out = b
		return err
	})
	return out, err
}

// EstimateGas runs eth_estimateGas.
func (p *Pool) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_estimateGas", func(ctx context.Context, c *ethclient.Client) error {
		g, err := c.EstimateGas(ctx, msg)
		out = g
		return err
	})
	return out, err
}

// BalanceAt reads an account's native balance at the latest block.
func (p *Pool) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	var out *big.Int
	err := p.do(ctx, "eth_getBalance", func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.BalanceAt(ctx, account, nil)
		out = b
		return err
	})
	return out, err
}

// NonceAt reads the account's current transaction count.
func (p *Pool) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := p.do(ctx, "eth_getTransactionCount", func(ctx context.Context, c *ethclient.Client) error {
		n, err := c.NonceAt(ctx, account, nil)
		out = n
		return err
	})
	return out, err
}

// CodeAt reads contract code, used to verify deployments at boot.
func (p *Pool) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var out []byte
	err := p.do(ctx, "eth_getCode", func(ctx context.Context, c *ethclient.Client) error {
		b, err := c.CodeAt(ctx, account, nil)
		out = b
		return err
	})
	return out, err
}

// SendTransaction broadcasts a signed transaction via the active
// endpoint. Used by the mempool and builder submission adapters.
func (p *Pool) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return p.do(ctx, "eth_sendRawTransaction", func(ctx context.Context, c *ethclient.Client) error {
		return c.SendTransaction(ctx, tx)
	})
}

// SendTransactionBackup broadcasts via the backup endpoint only; the
// private_rpc adapter treats the backup pair as its private lane.
func (p *Pool) SendTransactionBackup(ctx context.Context, tx *types.Transaction) error {
	attempt, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.endpoints[1].client.SendTransaction(attempt, tx); err != nil {
		return fmt.Errorf("%w: private submission failed: %v", talon.ErrRPC, err)
	}
	return nil
}

// ArchiveCall executes eth_call against the archive endpoint at the
// given historical block number.
func (p *Pool) ArchiveCall(ctx context.Context, msg ethereum.CallMsg, block uint64) ([]byte, error) {
	attempt, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.archive.client.CallContract(attempt, msg, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, fmt.Errorf("%w: archive eth_call at block %d failed: %v", talon.ErrRPC, block, err)
	}
	return out, nil
}

// Close releases all client connections.
func (p *Pool) Close() {
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
	p.archive.client.Close()
}
