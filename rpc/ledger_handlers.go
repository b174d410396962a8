package rpc

import (
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"wagerchain/crypto"
)

type ledgerBalanceParams struct {
	Address string `json:"address"`
}

type ledgerCreditParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// BalanceResult reports an account balance in base units.
type BalanceResult struct {
	Address string   `json:"address"`
	Balance *big.Int `json:"balance"`
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params ledgerBalanceParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := crypto.ParseIdentity(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	balance, err := s.ledger.Balance(id)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	writeResult(w, req.ID, BalanceResult{Address: crypto.AddressFromIdentity(id).String(), Balance: balance})
}

func (s *Server) handleLedgerCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.operator.require(r, ScopeLedgerCredit); authErr != nil {
		status := http.StatusUnauthorized
		if authErr.Code == codeForbidden {
			status = http.StatusForbidden
		}
		writeError(w, status, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params ledgerCreditParams
	if !decodeParams(w, req, &params) {
		return
	}
	id, err := crypto.ParseIdentity(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid address", err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(params.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive integer", params.Amount)
		return
	}
	if err := s.ledger.Credit(id, amount); err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	balance, err := s.ledger.Balance(id)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	s.logger.Info("ledger credited",
		slog.String("requestID", requestIDFrom(r.Context())),
		slog.String("address", crypto.AddressFromIdentity(id).String()),
		slog.String("amount", amount.String()),
	)
	writeResult(w, req.ID, BalanceResult{Address: crypto.AddressFromIdentity(id).String(), Balance: balance})
}
