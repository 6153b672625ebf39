package storage

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"lendpool/crypto"
)

const (
	tokenKeyPrefix = "token/"
)

// TokenLedger is a fungible-token backend persisted in the same Database as
// the pool state, so a journalled operation rolls token movements back
// together with reserve and position records.
type TokenLedger struct {
	db Database
}

func NewTokenLedger(db Database) *TokenLedger {
	return &TokenLedger{db: db}
}

func tokenBalanceKey(token string, addr crypto.Address) []byte {
	return []byte(tokenKeyPrefix + token + "/balance/" + hex.EncodeToString(addr.Bytes()))
}

func tokenSupplyKey(token string) []byte {
	return []byte(tokenKeyPrefix + token + "/supply")
}

func (l *TokenLedger) readAmount(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).SetBytes(raw), nil
}

func (l *TokenLedger) writeAmount(key []byte, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("token ledger: negative amount")
	}
	return l.db.Put(key, amount.Bytes())
}

func (l *TokenLedger) BalanceOf(token string, account crypto.Address) (*big.Int, error) {
	return l.readAmount(tokenBalanceKey(token, account))
}

func (l *TokenLedger) TotalSupply(token string) (*big.Int, error) {
	return l.readAmount(tokenSupplyKey(token))
}

func (l *TokenLedger) Transfer(token string, from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token ledger: invalid transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := l.readAmount(tokenBalanceKey(token, from))
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("token ledger: insufficient %s balance", token)
	}
	toBal, err := l.readAmount(tokenBalanceKey(token, to))
	if err != nil {
		return err
	}
	if err := l.writeAmount(tokenBalanceKey(token, from), new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.writeAmount(tokenBalanceKey(token, to), new(big.Int).Add(toBal, amount))
}

func (l *TokenLedger) Mint(token string, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token ledger: invalid mint amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal, err := l.readAmount(tokenBalanceKey(token, to))
	if err != nil {
		return err
	}
	supply, err := l.readAmount(tokenSupplyKey(token))
	if err != nil {
		return err
	}
	if err := l.writeAmount(tokenBalanceKey(token, to), new(big.Int).Add(bal, amount)); err != nil {
		return err
	}
	return l.writeAmount(tokenSupplyKey(token), new(big.Int).Add(supply, amount))
}

func (l *TokenLedger) Burn(token string, from crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token ledger: invalid burn amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	bal, err := l.readAmount(tokenBalanceKey(token, from))
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("token ledger: insufficient %s balance", token)
	}
	supply, err := l.readAmount(tokenSupplyKey(token))
	if err != nil {
		return err
	}
	if supply.Cmp(amount) < 0 {
		return fmt.Errorf("token ledger: supply underflow for %s", token)
	}
	if err := l.writeAmount(tokenBalanceKey(token, from), new(big.Int).Sub(bal, amount)); err != nil {
		return err
	}
	return l.writeAmount(tokenSupplyKey(token), new(big.Int).Sub(supply, amount))
}
