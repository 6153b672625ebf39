package storage

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"lendpool/crypto"
	"lendpool/native/lending"
)

const (
	reserveKeyPrefix  = "lending/reserve/"
	reserveIndexKey   = "lending/reserves"
	positionKeyPrefix = "lending/position/"
	feesKeyPrefix     = "lending/fees/"
)

// PoolState adapts a key-value Database into the persistence surface the
// lending engine runs against. Records are RLP encoded; positions are
// mirrored into a storable shape because addresses carry unexported fields.
type PoolState struct {
	db Database
}

func NewPoolState(db Database) *PoolState {
	return &PoolState{db: db}
}

type storedPosition struct {
	Prefix        string
	Addr          []byte
	Asset         string
	DepositShares *big.Int
	DebtShares    *big.Int
}

func reserveKey(asset string) []byte {
	return []byte(reserveKeyPrefix + asset)
}

func positionKey(asset string, addr crypto.Address) []byte {
	return []byte(positionKeyPrefix + asset + "/" + hex.EncodeToString(addr.Bytes()))
}

func feesKey(asset string) []byte {
	return []byte(feesKeyPrefix + asset)
}

func (s *PoolState) GetReserve(asset string) (*lending.Reserve, error) {
	raw, err := s.db.Get(reserveKey(asset))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	reserve := new(lending.Reserve)
	if err := rlp.DecodeBytes(raw, reserve); err != nil {
		return nil, fmt.Errorf("decode reserve %s: %w", asset, err)
	}
	return reserve, nil
}

func (s *PoolState) PutReserve(asset string, reserve *lending.Reserve) error {
	raw, err := rlp.EncodeToBytes(reserve)
	if err != nil {
		return fmt.Errorf("encode reserve %s: %w", asset, err)
	}
	if err := s.db.Put(reserveKey(asset), raw); err != nil {
		return err
	}
	return s.indexReserve(asset)
}

// indexReserve records the asset in the sorted reserve index so ListReserves
// stays deterministic.
func (s *PoolState) indexReserve(asset string) error {
	assets, err := s.ListReserves()
	if err != nil {
		return err
	}
	for _, existing := range assets {
		if existing == asset {
			return nil
		}
	}
	assets = append(assets, asset)
	sort.Strings(assets)
	raw, err := rlp.EncodeToBytes(assets)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(reserveIndexKey), raw)
}

func (s *PoolState) ListReserves() ([]string, error) {
	raw, err := s.db.Get([]byte(reserveIndexKey))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var assets []string
	if err := rlp.DecodeBytes(raw, &assets); err != nil {
		return nil, fmt.Errorf("decode reserve index: %w", err)
	}
	return assets, nil
}

func (s *PoolState) GetPosition(asset string, addr crypto.Address) (*lending.Position, error) {
	raw, err := s.db.Get(positionKey(asset, addr))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	stored := new(storedPosition)
	if err := rlp.DecodeBytes(raw, stored); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", asset, err)
	}
	pos := &lending.Position{
		Address:       crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Addr),
		Asset:         stored.Asset,
		DepositShares: stored.DepositShares,
		DebtShares:    stored.DebtShares,
	}
	if pos.DepositShares == nil {
		pos.DepositShares = big.NewInt(0)
	}
	if pos.DebtShares == nil {
		pos.DebtShares = big.NewInt(0)
	}
	return pos, nil
}

func (s *PoolState) PutPosition(asset string, pos *lending.Position) error {
	if pos == nil {
		return nil
	}
	stored := &storedPosition{
		Prefix:        string(pos.Address.Prefix()),
		Addr:          pos.Address.Bytes(),
		Asset:         pos.Asset,
		DepositShares: pos.DepositShares,
		DebtShares:    pos.DebtShares,
	}
	raw, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", asset, err)
	}
	return s.db.Put(positionKey(asset, pos.Address), raw)
}

func (s *PoolState) GetFeeAccrual(asset string) (*lending.FeeAccrual, error) {
	raw, err := s.db.Get(feesKey(asset))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	fees := new(lending.FeeAccrual)
	if err := rlp.DecodeBytes(raw, fees); err != nil {
		return nil, fmt.Errorf("decode fee accrual %s: %w", asset, err)
	}
	return fees, nil
}

func (s *PoolState) PutFeeAccrual(asset string, fees *lending.FeeAccrual) error {
	raw, err := rlp.EncodeToBytes(fees)
	if err != nil {
		return fmt.Errorf("encode fee accrual %s: %w", asset, err)
	}
	return s.db.Put(feesKey(asset), raw)
}
