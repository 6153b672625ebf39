package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"lendpool/crypto"
	"lendpool/native/lending"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return false
	}
	return true
}

func parseAddress(raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr, nil
}

// parseAmount accepts a positive decimal string, or "max" for the
// withdraw-all / repay-all sentinel.
func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "max") {
		return new(big.Int).Set(lending.MaxSentinel), nil
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

type amountRequest struct {
	From   string `json:"from"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type amountResponse struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, "deposit", s.node.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, "withdraw", s.node.Withdraw)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, "borrow", s.node.Borrow)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.handleAmountOp(w, r, "repay", s.node.Repay)
}

func (s *Server) handleAmountOp(w http.ResponseWriter, r *http.Request, op string, fn func(crypto.Address, string, *big.Int) (*big.Int, error)) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := fn(user, strings.TrimSpace(req.Asset), amount)
	if err != nil {
		s.log.Warn("operation rejected", "operation", op, "asset", req.Asset, "error", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Asset: req.Asset, Amount: result.String()})
}

type liquidateRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Amount          string `json:"amount,omitempty"`
	Full            bool   `json:"full,omitempty"`
}

type liquidateResponse struct {
	Repaid string `json:"repaid"`
	Seized string `json:"seized"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	liquidator, err := parseAddress(req.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	borrower, err := parseAddress(req.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount := big.NewInt(0)
	if !req.Full {
		amount, err = parseAmount(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	repaid, seized, err := s.node.Liquidate(liquidator, borrower, strings.TrimSpace(req.DebtAsset), strings.TrimSpace(req.CollateralAsset), amount, req.Full)
	if err != nil {
		s.log.Warn("liquidation rejected", "borrower", req.Borrower, "error", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, liquidateResponse{Repaid: repaid.String(), Seized: seized.String()})
}

type reserveView struct {
	Asset           string `json:"asset"`
	SToken          string `json:"sToken"`
	DebtToken       string `json:"debtToken"`
	CollateralCoeff string `json:"collateralCoeff"`
	DebtCoeff       string `json:"debtCoeff"`
	TotalDeposits   string `json:"totalDeposits"`
	TotalDebt       string `json:"totalDebt"`
	UtilizationBps  uint64 `json:"utilizationBps"`
	LastAccrual     uint64 `json:"lastAccrual"`
	Frozen          bool   `json:"frozen"`
}

func reserveViewFrom(snapshot *lending.ReserveSnapshot) reserveView {
	return reserveView{
		Asset:           snapshot.Config.Asset,
		SToken:          snapshot.Config.SToken,
		DebtToken:       snapshot.Config.DebtToken,
		CollateralCoeff: snapshot.CollateralCoeff.String(),
		DebtCoeff:       snapshot.DebtCoeff.String(),
		TotalDeposits:   snapshot.TotalDeposits.String(),
		TotalDebt:       snapshot.TotalDebt.String(),
		UtilizationBps:  snapshot.UtilizationBps,
		LastAccrual:     snapshot.LastAccrual,
		Frozen:          snapshot.Config.Frozen,
	}
}

func (s *Server) handleListReserves(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.node.ListReserves()
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	views := make([]reserveView, 0, len(snapshots))
	for _, snapshot := range snapshots {
		views = append(views, reserveViewFrom(snapshot))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetReserve(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.node.GetReserve(chi.URLParam(r, "asset"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reserveViewFrom(snapshot))
}

type positionView struct {
	Asset         string `json:"asset"`
	DepositShares string `json:"depositShares"`
	DebtShares    string `json:"debtShares"`
	Deposited     string `json:"deposited"`
	Owed          string `json:"owed"`
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshot, err := s.node.GetPosition(chi.URLParam(r, "asset"), user)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, positionView{
		Asset:         snapshot.Asset,
		DepositShares: snapshot.DepositShares.String(),
		DebtShares:    snapshot.DebtShares.String(),
		Deposited:     snapshot.Deposited.String(),
		Owed:          snapshot.Owed.String(),
	})
}

type accountView struct {
	DiscountedCollateral  string `json:"discountedCollateral"`
	LiquidationCollateral string `json:"liquidationCollateral"`
	Debt                  string `json:"debt"`
	Healthy               bool   `json:"healthy"`
	Liquidatable          bool   `json:"liquidatable"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snapshot, err := s.node.GetAccountSnapshot(user)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, accountView{
		DiscountedCollateral:  snapshot.DiscountedCollateral.String(),
		LiquidationCollateral: snapshot.LiquidationCollateral.String(),
		Debt:                  snapshot.Debt.String(),
		Healthy:               snapshot.Healthy(),
		Liquidatable:          snapshot.Liquidatable(),
	})
}

type feesView struct {
	Asset   string `json:"asset"`
	Pending string `json:"pending"`
	Swept   string `json:"swept"`
}

func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	fees, err := s.node.GetFeeAccrual(asset)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, feesView{
		Asset:   asset,
		Pending: fees.PendingWei.String(),
		Swept:   fees.SweptWei.String(),
	})
}

type priceRequest struct {
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	Price     string `json:"price"`
	Decimals  uint32 `json:"decimals"`
	Timestamp uint64 `json:"timestamp,omitempty"`
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.Price), 10)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid price %q", req.Price))
		return
	}
	if err := s.node.SetPrice(caller, req.Asset, price, req.Decimals, req.Timestamp); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pauseRequest struct {
	Caller string `json:"caller"`
	Paused bool   `json:"paused"`
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.SetPaused(caller, req.Paused); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reserveRequest struct {
	Caller                  string `json:"caller"`
	Asset                   string `json:"asset"`
	SToken                  string `json:"sToken"`
	DebtToken               string `json:"debtToken"`
	Decimals                uint32 `json:"decimals"`
	CollateralFactorBps     uint64 `json:"collateralFactorBps"`
	LiquidationThresholdBps uint64 `json:"liquidationThresholdBps"`
	LiquidationBonusBps     uint64 `json:"liquidationBonusBps"`
	ReserveFactorBps        uint64 `json:"reserveFactorBps"`
	UtilizationCapBps       uint64 `json:"utilizationCapBps"`
	FlashLoanFeeBps         uint64 `json:"flashLoanFeeBps"`
	BaseRateBps             uint64 `json:"baseRateBps"`
	Slope1Bps               uint64 `json:"slope1Bps"`
	Slope2Bps               uint64 `json:"slope2Bps"`
	OptimalUtilBps          uint64 `json:"optimalUtilBps"`
	Frozen                  bool   `json:"frozen"`
}

func (s *Server) handleUpsertReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := lending.ReserveConfig{
		Asset:                   strings.TrimSpace(req.Asset),
		SToken:                  strings.TrimSpace(req.SToken),
		DebtToken:               strings.TrimSpace(req.DebtToken),
		Decimals:                req.Decimals,
		CollateralFactorBps:     req.CollateralFactorBps,
		LiquidationThresholdBps: req.LiquidationThresholdBps,
		LiquidationBonusBps:     req.LiquidationBonusBps,
		ReserveFactorBps:        req.ReserveFactorBps,
		UtilizationCapBps:       req.UtilizationCapBps,
		FlashLoanFeeBps:         req.FlashLoanFeeBps,
		BaseRateBps:             req.BaseRateBps,
		Slope1Bps:               req.Slope1Bps,
		Slope2Bps:               req.Slope2Bps,
		OptimalUtilBps:          req.OptimalUtilBps,
		Frozen:                  req.Frozen,
	}
	if err := s.node.UpsertReserve(caller, cfg); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fundRequest struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.FundAccount(caller, strings.TrimSpace(req.Token), to, amount); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := s.node.BalanceOf(token, account)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "balance": balance.String()})
}
