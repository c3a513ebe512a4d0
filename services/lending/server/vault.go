package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
)

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, true)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	s.move(w, r, false)
}

// move serves deposit and withdraw, which share a request shape. from and to
// default to the caller.
func (s *Server) move(w http.ResponseWriter, r *http.Request, in bool) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := parseOptionalAddress("from", req.From, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseOptionalAddress("to", req.To, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	share, err := parseAmount("share", req.Share)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()
	var gotAmount, gotShare *uint256.Int
	if in {
		gotAmount, gotShare, err = s.engine.Deposit(ctx, caller, tok, from, to, amount, share)
	} else {
		gotAmount, gotShare, err = s.engine.Withdraw(ctx, caller, tok, from, to, amount, share)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, movementResponse{Amount: dec(gotAmount), Share: dec(gotShare)})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := s.caller(r).Account
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := parseOptionalAddress("from", req.From, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Recipients) == 0 {
		s.writeError(w, r, badRequest("recipients required"))
		return
	}
	tos := make([]common.Address, len(req.Recipients))
	shares := make([]*uint256.Int, len(req.Recipients))
	for i, leg := range req.Recipients {
		if tos[i], err = parseAddress("recipients.to", leg.To); err != nil {
			s.writeError(w, r, err)
			return
		}
		if shares[i], err = requireAmount("recipients.share", leg.Share); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Transfer(ctx, caller, tok, from, tos, shares); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setOperator(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	operator, err := parseAddress("operator", req.Operator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.SetOperator(ctx, s.caller(r).Account, operator, req.Approved); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) harvest(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Harvest(ctx, s.caller(r).Account, tok); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) vaultBalance(w http.ResponseWriter, r *http.Request) {
	tok, err := parseAddress("token", chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.engine.VaultBalance(tok, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultBalanceResponse{
		Token:   tok.Hex(),
		Owner:   owner.Hex(),
		Share:   dec(bal.Share),
		Amount:  dec(bal.Amount),
		Pending: optionalDec(bal.Pending),
	})
}

func (s *Server) wallet(w http.ResponseWriter, r *http.Request) {
	tok, err := parseAddress("token", chi.URLParam(r, "token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := parseAddress("owner", chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal := s.engine.Wallet(tok, owner)
	writeJSON(w, http.StatusOK, walletResponse{
		Token:          tok.Hex(),
		Owner:          owner.Hex(),
		Balance:        dec(bal.Balance),
		VaultAllowance: dec(bal.VaultAllowance),
	})
}

// approve sets the caller's token allowance. The spender defaults to the
// vault, which is what deposits pull through.
func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	spender, err := parseOptionalAddress("spender", req.Spender, s.engine.VaultAddress())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Approve(ctx, tok, s.caller(r).Account, spender, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := requireAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx, cancel := s.context(r.Context())
	defer cancel()
	if err := s.engine.Mint(ctx, tok, to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("tokens minted", "token", tok.Hex(), "to", to.Hex(), "amount", amount.Dec(), "by", s.caller(r).Account.Hex())
	w.WriteHeader(http.StatusNoContent)
}
