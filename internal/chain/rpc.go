package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/rickgao/mcap-resolver/internal/upstream"
)

// RPC is the subset of the solana-go client used by this package.
type RPC interface {
	GetTokenSupply(ctx context.Context, mint solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenSupplyResult, error)
	GetBlockTime(ctx context.Context, slot uint64) (*solana.UnixTimeSeconds, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

var _ RPC = (*rpc.Client)(nil)

// NewRPC returns a solana-go client for url.
func NewRPC(url string) *rpc.Client {
	return rpc.New(url)
}

// ParseCommitment maps a config string to a commitment level.
func ParseCommitment(s string) rpc.CommitmentType {
	switch s {
	case "processed":
		return rpc.CommitmentProcessed
	case "confirmed":
		return rpc.CommitmentConfirmed
	default:
		return rpc.CommitmentFinalized
	}
}

// JSON-RPC error codes that mean the requested thing does not exist.
const (
	codeInvalidParams      = -32602 // not a token mint, bad pubkey
	codeBlockNotAvailable  = -32004
	codeSlotSkipped        = -32007
	codeLongTermStorage    = -32009
	codeBlockStatusUnknown = -32014
)

// classifyRPC maps solana-go errors onto the upstream taxonomy.
func classifyRPC(err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case 429:
			return upstream.RateLimited(0, err)
		case codeInvalidParams, codeBlockNotAvailable, codeSlotSkipped, codeLongTermStorage, codeBlockStatusUnknown:
			return upstream.NotFound(err)
		}
		return upstream.Upstream(0, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return upstream.RateLimited(0, err)
	case strings.Contains(msg, "status code: 5") || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable"):
		return upstream.Upstream(0, err)
	}
	return err
}
