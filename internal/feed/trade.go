package feed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/mcap-resolver/internal/model"
)

// tradeNamespace derives stable IDs for trades delivered without one, so
// redeliveries of the same payload deduplicate.
var tradeNamespace = uuid.MustParse("4c2f7a8e-93b1-4d55-9a0e-2f61c3b7d814")

// ErrInvalidTrade marks payloads that cannot be priced.
var ErrInvalidTrade = errors.New("invalid trade")

// DecodeTrade parses a JSON TradeRecord.
func DecodeTrade(data []byte) (model.TradeRecord, error) {
	var t model.TradeRecord
	if err := json.Unmarshal(data, &t); err != nil {
		return model.TradeRecord{}, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	if t.Mint == "" {
		return model.TradeRecord{}, fmt.Errorf("%w: missing mint", ErrInvalidTrade)
	}
	if t.Slot == 0 && t.Timestamp == 0 {
		return model.TradeRecord{}, fmt.Errorf("%w: trade %s has neither slot nor timestamp", ErrInvalidTrade, t.Mint)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.NewSHA1(tradeNamespace, data)
	}
	return t, nil
}

// Dedup remembers the most recent trade IDs.
type Dedup struct {
	seen *lru.Cache[uuid.UUID, struct{}]
}

// NewDedup creates a Dedup remembering up to size IDs.
func NewDedup(size int) (*Dedup, error) {
	if size <= 0 {
		size = 100_000
	}
	seen, err := lru.New[uuid.UUID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Dedup{seen: seen}, nil
}

// Seen reports whether id was already observed, recording it if not.
func (d *Dedup) Seen(id uuid.UUID) bool {
	found, _ := d.seen.ContainsOrAdd(id, struct{}{})
	return found
}
