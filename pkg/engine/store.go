package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/luxfi/database"
	"github.com/luxfi/database/prefixdb"
	"golang.org/x/crypto/sha3"

	"github.com/margined/perp/pkg/num"
)

// Store key layout, all under prefixdb namespaces:
//
//	position/<marketKey:32><id:8>                    -> Position JSON
//	index/t/<marketKey:32><traderKey:32><id:8>       -> nil
//	index/s/<marketKey:32><side:1><id:8>             -> nil
//	index/p/<marketKey:32><price:32><id:8>           -> nil
//	market/<marketKey:32>                            -> marketInfo JSON
//	meta/{config,state,last_position_id,tmp_swap,tmp_liquidator}
//
// marketKey is the keccak-256 of the market identity, sharding every index by
// market the same way regardless of identity length.
var (
	nsPosition = []byte("position")
	nsIndex    = []byte("index")
	nsMarket   = []byte("market")
	nsMeta     = []byte("meta")

	keyConfig         = []byte("config")
	keyState          = []byte("state")
	keyLastPositionID = []byte("last_position_id")
	keyTmpSwap        = []byte("tmp_swap")
	keyTmpLiquidator  = []byte("tmp_liquidator")

	idxTrader = byte('t')
	idxSide   = byte('s')
	idxPrice  = byte('p')
)

const (
	defaultQueryLimit = 10
	maxQueryLimit     = 100
)

type store struct {
	positions database.Database
	index     database.Database
	markets   database.Database
	meta      database.Database
}

func newStore(db database.Database) *store {
	return &store{
		positions: prefixdb.New(nsPosition, db),
		index:     prefixdb.New(nsIndex, db),
		markets:   prefixdb.New(nsMarket, db),
		meta:      prefixdb.New(nsMeta, db),
	}
}

// marketKey derives the fixed-width store shard key for a market identity.
func marketKey(market string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(market))
	return h.Sum(nil)
}

func traderKey(trader string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(trader))
	return h.Sum(nil)
}

func positionKey(mk []byte, id uint64) []byte {
	k := make([]byte, 0, len(mk)+8)
	k = append(k, mk...)
	k = binary.BigEndian.AppendUint64(k, id)
	return k
}

func (s *store) indexKey(kind byte, mk, segment []byte, id uint64) []byte {
	k := make([]byte, 0, 2+len(mk)+len(segment)+8)
	k = append(k, kind, '/')
	k = append(k, mk...)
	k = append(k, segment...)
	k = binary.BigEndian.AppendUint64(k, id)
	return k
}

func (s *store) readPosition(mk []byte, id uint64) (*Position, error) {
	raw, err := s.positions.Get(positionKey(mk, id))
	if err == database.ErrNotFound {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read position %d: %w", id, err)
	}
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode position %d: %w", id, err)
	}
	return &p, nil
}

// writePosition persists the record and maintains the trader/side/price
// indices. The price index follows the entry price, so a change re-keys it.
func (s *store) writePosition(p *Position) error {
	mk := marketKey(p.Market)

	if prev, err := s.readPosition(mk, p.ID); err == nil {
		if prev.EntryPrice.Cmp(p.EntryPrice) != 0 {
			old := prev.EntryPrice.Bytes32()
			if err := s.index.Delete(s.indexKey(idxPrice, mk, old[:], p.ID)); err != nil {
				return fmt.Errorf("drop stale price index: %w", err)
			}
		}
	} else if err != ErrPositionNotFound {
		return err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %d: %w", p.ID, err)
	}
	if err := s.positions.Put(positionKey(mk, p.ID), raw); err != nil {
		return fmt.Errorf("write position %d: %w", p.ID, err)
	}

	price := p.EntryPrice.Bytes32()
	for _, k := range [][]byte{
		s.indexKey(idxTrader, mk, traderKey(p.Trader), p.ID),
		s.indexKey(idxSide, mk, []byte{byte(p.Side)}, p.ID),
		s.indexKey(idxPrice, mk, price[:], p.ID),
	} {
		if err := s.index.Put(k, nil); err != nil {
			return fmt.Errorf("write position index: %w", err)
		}
	}
	return nil
}

// queryOptions is the pagination envelope shared by every list query.
type queryOptions struct {
	StartAfter *uint64
	Limit      int
	Descending bool
}

func (o queryOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultQueryLimit
	case o.Limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return o.Limit
	}
}

// collectIDs walks an iterator whose keys end in an 8-byte big-endian id and
// returns the ids in ascending key order.
func collectIDs(iter database.Iterator) ([]uint64, error) {
	defer iter.Release()
	var ids []uint64
	for iter.Next() {
		k := iter.Key()
		if len(k) < 8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(k[len(k)-8:]))
	}
	return ids, iter.Error()
}

// paginate applies the cursor, order and limit to an ascending id list.
func paginate(ids []uint64, o queryOptions) []uint64 {
	if o.Descending {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}
	if o.StartAfter != nil {
		cut := 0
		for cut < len(ids) {
			if o.Descending && ids[cut] < *o.StartAfter {
				break
			}
			if !o.Descending && ids[cut] > *o.StartAfter {
				break
			}
			cut++
		}
		ids = ids[cut:]
	}
	if n := o.limit(); len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// listPositions returns positions on a market in id order.
func (s *store) listPositions(mk []byte, o queryOptions) ([]*Position, error) {
	iter := s.positions.NewIteratorWithPrefix(mk)
	ids, err := collectIDs(iter)
	if err != nil {
		return nil, fmt.Errorf("scan positions: %w", err)
	}
	return s.loadAll(mk, paginate(ids, o))
}

// listPositionsByIndex resolves one of the secondary indices.
func (s *store) listPositionsByIndex(kind byte, mk, segment []byte, o queryOptions) ([]*Position, error) {
	prefix := make([]byte, 0, 2+len(mk)+len(segment))
	prefix = append(prefix, kind, '/')
	prefix = append(prefix, mk...)
	prefix = append(prefix, segment...)
	iter := s.index.NewIteratorWithPrefix(prefix)
	ids, err := collectIDs(iter)
	if err != nil {
		return nil, fmt.Errorf("scan position index: %w", err)
	}
	return s.loadAll(mk, paginate(ids, o))
}

func (s *store) loadAll(mk []byte, ids []uint64) ([]*Position, error) {
	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		p, err := s.readPosition(mk, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *store) readConfig() (*Config, error) {
	var c Config
	if err := s.readJSON(keyConfig, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *store) writeConfig(c *Config) error { return s.writeJSON(keyConfig, c) }

func (s *store) readState() (*State, error) {
	var st State
	if err := s.readJSON(keyState, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *store) writeState(st *State) error { return s.writeJSON(keyState, st) }

func (s *store) lastPositionID() (uint64, error) {
	raw, err := s.meta.Get(keyLastPositionID)
	if err == database.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last position id: %w", err)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *store) nextPositionID() (uint64, error) {
	last, err := s.lastPositionID()
	if err != nil {
		return 0, err
	}
	next := last + 1
	buf := binary.BigEndian.AppendUint64(nil, next)
	if err := s.meta.Put(keyLastPositionID, buf); err != nil {
		return 0, fmt.Errorf("advance last position id: %w", err)
	}
	return next, nil
}

func (s *store) readMarketInfo(market string) (*marketInfo, error) {
	raw, err := s.markets.Get(marketKey(market))
	if err == database.ErrNotFound {
		return &marketInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read market info: %w", err)
	}
	var m marketInfo
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode market info: %w", err)
	}
	return &m, nil
}

func (s *store) writeMarketInfo(market string, m *marketInfo) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode market info: %w", err)
	}
	if err := s.markets.Put(marketKey(market), raw); err != nil {
		return fmt.Errorf("write market info: %w", err)
	}
	return nil
}

func (s *store) readTmpSwap() (*swapInfo, error) {
	raw, err := s.meta.Get(keyTmpSwap)
	if err == database.ErrNotFound {
		return nil, ErrNoPendingSwap
	}
	if err != nil {
		return nil, fmt.Errorf("read staged swap: %w", err)
	}
	var info swapInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode staged swap: %w", err)
	}
	return &info, nil
}

// stageTmpSwap writes the continuation record, refusing to overwrite an
// outstanding one: a second mutating call must be rejected, never queued.
func (s *store) stageTmpSwap(info *swapInfo) error {
	if has, err := s.meta.Has(keyTmpSwap); err != nil {
		return fmt.Errorf("check staged swap: %w", err)
	} else if has {
		return ErrSwapPending
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode staged swap: %w", err)
	}
	if err := s.meta.Put(keyTmpSwap, raw); err != nil {
		return fmt.Errorf("stage swap: %w", err)
	}
	return nil
}

func (s *store) dropTmpSwap() error {
	if err := s.meta.Delete(keyTmpSwap); err != nil {
		return fmt.Errorf("drop staged swap: %w", err)
	}
	return nil
}

func (s *store) stageLiquidator(addr string) error {
	if err := s.meta.Put(keyTmpLiquidator, []byte(addr)); err != nil {
		return fmt.Errorf("stage liquidator: %w", err)
	}
	return nil
}

func (s *store) takeLiquidator() (string, error) {
	raw, err := s.meta.Get(keyTmpLiquidator)
	if err == database.ErrNotFound {
		return "", ErrNoPendingSwap
	}
	if err != nil {
		return "", fmt.Errorf("read staged liquidator: %w", err)
	}
	if err := s.meta.Delete(keyTmpLiquidator); err != nil {
		return "", fmt.Errorf("drop staged liquidator: %w", err)
	}
	return string(raw), nil
}

func (s *store) readJSON(key []byte, v any) error {
	raw, err := s.meta.Get(key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *store) writeJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.meta.Put(key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// restrictionHeight records that a position on the market was opened or
// closed at height, arming the same-block open+close guard.
func (s *store) setRestrictionHeight(market string, height uint64) error {
	info, err := s.readMarketInfo(market)
	if err != nil {
		return err
	}
	info.LastRestrictionHeight = height
	return s.writeMarketInfo(market, info)
}

func (s *store) appendPremiumFraction(market string, premium num.Int) error {
	info, err := s.readMarketInfo(market)
	if err != nil {
		return err
	}
	info.CumulativePremiumFractions = append(info.CumulativePremiumFractions, premium)
	return s.writeMarketInfo(market, info)
}
