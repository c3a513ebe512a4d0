package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"cdpledger/native/fixed"
	"cdpledger/native/market"
	"cdpledger/services/lending/engine"
)

const requestLimit = 1 << 20 // 1 MiB

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type depositRequest struct {
	Token  string `json:"token"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Amount string `json:"amount,omitempty"`
	Share  string `json:"share,omitempty"`
}

type transferLeg struct {
	To    string `json:"to"`
	Share string `json:"share"`
}

type transferRequest struct {
	Token      string        `json:"token"`
	From       string        `json:"from,omitempty"`
	Recipients []transferLeg `json:"recipients"`
}

type operatorRequest struct {
	Operator string `json:"operator"`
	Approved bool   `json:"approved"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type mintRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type approveRequest struct {
	Token   string `json:"token"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

type collateralRequest struct {
	// Account is the position credited on add and the recipient on remove.
	Account string `json:"account,omitempty"`
	Share   string `json:"share"`
}

type bandFields struct {
	MinPrice string `json:"min_price,omitempty"`
	MaxPrice string `json:"max_price,omitempty"`
}

type borrowRequest struct {
	To     string `json:"to,omitempty"`
	Amount string `json:"amount"`
	bandFields
}

type repayRequest struct {
	User   string `json:"user,omitempty"`
	Amount string `json:"amount"`
	bandFields
}

type liquidateRequest struct {
	Users    []string `json:"users"`
	MaxDebts []string `json:"max_debts"`
	To       string   `json:"to,omitempty"`
	Swapper  string   `json:"swapper,omitempty"`
	MinOut   string   `json:"min_out,omitempty"`
}

type cookRequest struct {
	Action          string `json:"action"`
	User            string `json:"user,omitempty"`
	To              string `json:"to,omitempty"`
	DepositAmount   string `json:"deposit_amount,omitempty"`
	BorrowAmount    string `json:"borrow_amount,omitempty"`
	RepayAmount     string `json:"repay_amount,omitempty"`
	CollateralShare string `json:"collateral_share,omitempty"`
	bandFields
}

type priceRequest struct {
	Key       string `json:"key"`
	Price     string `json:"price"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

type movementResponse struct {
	Amount string `json:"amount"`
	Share  string `json:"share"`
}

type vaultBalanceResponse struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Share   string `json:"share"`
	Amount  string `json:"amount"`
	Pending string `json:"pending,omitempty"`
}

type walletResponse struct {
	Token          string `json:"token"`
	Owner          string `json:"owner"`
	Balance        string `json:"balance"`
	VaultAllowance string `json:"vault_allowance"`
}

type partResponse struct {
	DebtShare string `json:"debt_share"`
}

type positionResponse struct {
	Market          string `json:"market"`
	User            string `json:"user"`
	CollateralShare string `json:"collateral_share"`
	DebtShare       string `json:"debt_share"`
	DebtValue       string `json:"debt_value"`
	Safe            bool   `json:"safe"`
}

type globalsResponse struct {
	Market               string `json:"market"`
	TotalCollateralShare string `json:"total_collateral_share"`
	TotalDebtShare       string `json:"total_debt_share"`
	TotalDebtValue       string `json:"total_debt_value"`
	BadDebtShare         string `json:"bad_debt_share"`
	Surplus              string `json:"surplus"`
	LastAccrueTime       int64  `json:"last_accrue_time"`
	InterestPerSecond    string `json:"interest_per_second"`
	Shortfall            string `json:"shortfall"`
}

type killResponse struct {
	DebtShare       string `json:"debt_share"`
	DebtValue       string `json:"debt_value"`
	CollateralShare string `json:"collateral_share"`
	TreasuryShare   string `json:"treasury_share"`
	PaidShare       string `json:"paid_share"`
	BadDebtValue    string `json:"bad_debt_value"`
}

type cookResponse struct {
	DepositShare   string `json:"deposit_share,omitempty"`
	DebtShare      string `json:"debt_share,omitempty"`
	WithdrawAmount string `json:"withdraw_amount,omitempty"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type feedResponse struct {
	Feed   string `json:"feed"`
	Source string `json:"source"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type eventResponse struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return badRequest("missing request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

// parseOptionalAddress falls back to def when raw is empty.
func parseOptionalAddress(field, raw string, def common.Address) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return parseAddress(field, raw)
}

// parseAmount reads a decimal base-unit amount. An empty string is nil.
func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, badRequest("%s: invalid amount %q", field, raw)
	}
	return v, nil
}

func requireAmount(field, raw string) (*uint256.Int, error) {
	v, err := parseAmount(field, raw)
	if err != nil {
		return nil, err
	}
	if v == nil || v.IsZero() {
		return nil, badRequest("%s: amount required", field)
	}
	return v, nil
}

// parseRepayAmount additionally accepts "all" for the whole debt.
func parseRepayAmount(field, raw string) (*uint256.Int, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "all") {
		return market.All(), nil
	}
	return requireAmount(field, raw)
}

func parseBand(b bandFields) (engine.PriceBand, error) {
	var band engine.PriceBand
	if s := strings.TrimSpace(b.MinPrice); s != "" {
		w, err := fixed.ParseWad(s)
		if err != nil {
			return band, badRequest("min_price: %v", err)
		}
		band.Min = w
	}
	if s := strings.TrimSpace(b.MaxPrice); s != "" {
		w, err := fixed.ParseWad(s)
		if err != nil {
			return band, badRequest("max_price: %v", err)
		}
		band.Max = w
	}
	return band, nil
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func optionalDec(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
