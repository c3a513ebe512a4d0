package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"cdpledger/services/lending/engine"
)

func (s *Server) marketParam(r *http.Request) (common.Address, error) {
	return parseAddress("market", chi.URLParam(r, "market"))
}

func (s *Server) listMarkets(w http.ResponseWriter, _ *http.Request) {
	markets := s.engine.Markets()
	out := make([]string, len(markets))
	for i, m := range markets {
		out[i] = m.Hex()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"markets": out})
}

func (s *Server) globals(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.engine.Globals(mkt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, globalsResponse{
		Market:               mkt.Hex(),
		TotalCollateralShare: dec(g.TotalCollateralShare),
		TotalDebtShare:       dec(g.TotalDebtShare),
		TotalDebtValue:       dec(g.TotalDebtValue),
		BadDebtShare:         dec(g.BadDebtShare),
		Surplus:              dec(g.Surplus),
		LastAccrueTime:       g.LastAccrueTime,
		InterestPerSecond:    g.InterestPerSecond.String(),
		Shortfall:            dec(s.engine.Shortfall(mkt)),
	})
}

func (s *Server) marketPrice(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	price, err := s.engine.MarketPrice(ctx, mkt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market": mkt.Hex(), "price": price.String()})
}

func (s *Server) position(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := parseAddress("user", chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	view, err := s.engine.Position(ctx, mkt, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse{
		Market:          mkt.Hex(),
		User:            user.Hex(),
		CollateralShare: dec(view.CollateralShare),
		DebtShare:       dec(view.DebtShare),
		DebtValue:       dec(view.DebtValue),
		Safe:            view.Safe,
	})
}

func (s *Server) addCollateral(w http.ResponseWriter, r *http.Request) {
	s.collateral(w, r, true)
}

func (s *Server) removeCollateral(w http.ResponseWriter, r *http.Request) {
	s.collateral(w, r, false)
}

func (s *Server) collateral(w http.ResponseWriter, r *http.Request, add bool) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req collateralRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	account, err := parseOptionalAddress("account", req.Account, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	share, err := requireAmount("share", req.Share)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if add {
		err = s.engine.AddCollateral(ctx, mkt, caller, account, share)
	} else {
		err = s.engine.RemoveCollateral(ctx, mkt, caller, account, share)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req borrowRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	to, err := parseOptionalAddress("to", req.To, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := requireAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	band, err := parseBand(req.bandFields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	part, err := s.engine.Borrow(ctx, mkt, caller, to, amount, band)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partResponse{DebtShare: dec(part)})
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req repayRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	user, err := parseOptionalAddress("user", req.User, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseRepayAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	band, err := parseBand(req.bandFields)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	part, err := s.engine.Repay(ctx, mkt, caller, user, amount, band)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, partResponse{DebtShare: dec(part)})
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req liquidateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Users) == 0 || len(req.Users) != len(req.MaxDebts) {
		s.writeError(w, r, badRequest("users and max_debts must be non-empty and equal length"))
		return
	}
	caller := s.caller(r).Account
	kill := engine.LiquidationRequest{
		Users:    make([]common.Address, len(req.Users)),
		MaxDebts: make([]*uint256.Int, len(req.MaxDebts)),
		Swapper:  strings.TrimSpace(req.Swapper),
	}
	for i := range req.Users {
		if kill.Users[i], err = parseAddress("users", req.Users[i]); err != nil {
			s.writeError(w, r, err)
			return
		}
		if kill.MaxDebts[i], err = requireAmount("max_debts", req.MaxDebts[i]); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if kill.To, err = parseOptionalAddress("to", req.To, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if kill.MinOut, err = parseAmount("min_out", req.MinOut); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.engine.Liquidate(ctx, mkt, caller, kill)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, killResponse{
		DebtShare:       dec(res.DebtShare),
		DebtValue:       dec(res.DebtValue),
		CollateralShare: dec(res.CollateralShare),
		TreasuryShare:   dec(res.TreasuryShare),
		PaidShare:       dec(res.PaidShare),
		BadDebtValue:    dec(res.BadDebtValue),
	})
}

func (s *Server) cook(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req cookRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	out := engine.CookRequest{Action: req.Action}
	if out.User, err = parseOptionalAddress("user", req.User, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.To, err = parseOptionalAddress("to", req.To, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.DepositAmount, err = parseAmount("deposit_amount", req.DepositAmount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.BorrowAmount, err = parseAmount("borrow_amount", req.BorrowAmount); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RepayAmount) != "" {
		if out.RepayAmount, err = parseRepayAmount("repay_amount", req.RepayAmount); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if out.CollateralShare, err = parseAmount("collateral_share", req.CollateralShare); err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.Band, err = parseBand(req.bandFields); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	res, err := s.engine.Cook(ctx, mkt, caller, out)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cookResponse{
		DepositShare:   optionalDec(res.DepositShare),
		DebtShare:      optionalDec(res.DebtShare),
		WithdrawAmount: optionalDec(res.WithdrawAmount),
	})
}

func (s *Server) withdrawSurplus(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.marketParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	amount, err := s.engine.WithdrawSurplus(ctx, mkt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: dec(amount)})
}

func (s *Server) accrue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Accrue(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) shortfall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, amountResponse{Amount: dec(s.engine.Shortfall(common.Address{}))})
}

func (s *Server) settleBadDebt(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.context(r.Context())
	defer cancel()
	settled, err := s.engine.SettleBadDebt(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Amount: dec(settled)})
}

func (s *Server) listFeeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"feeds": s.engine.Feeds()})
}

// feedPrice reads ?feed=; feed names such as "ETH/USD" do not fit a path
// segment.
func (s *Server) feedPrice(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("feed"))
	if name == "" {
		s.writeError(w, r, badRequest("feed required"))
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	p, err := s.engine.FeedPrice(ctx, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, feedResponse{Feed: name, Source: p.Name, Symbol: p.Symbol, Price: p.Price.String()})
}

func (s *Server) setPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		s.writeError(w, r, badRequest("key required"))
		return
	}
	var at time.Time
	if req.UpdatedAt > 0 {
		at = time.Unix(req.UpdatedAt, 0)
	}
	if err := s.engine.SetManualPrice(req.Key, req.Price, at); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	records := s.engine.Events(limit)
	out := make([]eventResponse, 0, len(records))
	for _, evt := range records {
		if evt == nil {
			continue
		}
		out = append(out, eventResponse{Type: evt.Type, Attributes: evt.Attributes})
	}
	writeJSON(w, http.StatusOK, map[string][]eventResponse{"events": out})
}
