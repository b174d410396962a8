package rpc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"wagerchain/crypto"
	"wagerchain/native/wager"
	"wagerchain/observability"
)

type wagerOpenParams struct {
	ID      string `json:"id"`
	Stake   uint64 `json:"stake"`
	Arbiter string `json:"arbiter"`
	signedRequest
}

type wagerIDParams struct {
	ID string `json:"id"`
	signedRequest
}

type wagerResolveParams struct {
	ID     string `json:"id"`
	Winner string `json:"winner"`
	signedRequest
}

type wagerHistoryParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

// WagerResult is the JSON view of a live or closed wager.
type WagerResult struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Initiator    string `json:"initiator"`
	Counterparty string `json:"counterparty,omitempty"`
	Arbiter      string `json:"arbiter"`
	Winner       string `json:"winner,omitempty"`
	Stake        uint64 `json:"stake"`
	Pot          uint64 `json:"pot"`
	Deposit      uint64 `json:"deposit,omitempty"`
	Custody      string `json:"custody,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
	ClosedAt     int64  `json:"closedAt,omitempty"`
	Closed       bool   `json:"closed"`
}

// HistoryEntry is one audit record of a wager.
type HistoryEntry struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Digest     string            `json:"digest"`
	CreatedAt  int64             `json:"createdAt"`
}

func addressString(id wager.Identity) string {
	if id.IsZero() {
		return ""
	}
	return crypto.AddressFromIdentity(id).String()
}

func wagerResultFrom(w *wager.Wager) WagerResult {
	res := WagerResult{
		ID:           w.ID,
		Status:       w.Status.String(),
		Initiator:    addressString(w.Initiator),
		Counterparty: addressString(w.Counterparty),
		Arbiter:      addressString(w.Arbiter),
		Stake:        w.Stake,
		Pot:          w.Pot,
		Deposit:      w.Deposit,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.UpdatedAt,
		Closed:       w.Status.Kind().Terminal(),
	}
	if winner, ok := w.Status.Winner(); ok {
		res.Winner = addressString(winner)
	}
	return res
}

func tombstoneResultFrom(t *wager.Tombstone) WagerResult {
	res := WagerResult{
		ID:           t.ID,
		Status:       t.Status.String(),
		Initiator:    addressString(t.Initiator),
		Counterparty: addressString(t.Counterparty),
		Arbiter:      addressString(t.Arbiter),
		Stake:        t.Stake,
		ClosedAt:     t.ClosedAt,
		Closed:       true,
	}
	if winner, ok := t.Status.Winner(); ok {
		res.Winner = addressString(winner)
	}
	return res
}

func decodeParams(w http.ResponseWriter, req *RPCRequest, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, req.Method+" requires a single parameter object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid request parameters", err.Error())
		return false
	}
	return true
}

func (s *Server) handleWagerOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params wagerOpenParams
	if !decodeParams(w, req, &params) {
		return
	}
	arbiter, err := crypto.ParseIdentity(params.Arbiter)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid arbiter", err.Error())
		return
	}
	caller, authErr := s.authenticate(req.Method, params.signedRequest,
		params.ID, strconv.FormatUint(params.Stake, 10), strings.TrimSpace(params.Arbiter))
	if authErr != nil {
		s.writeAuthError(w, req, authErr)
		return
	}
	opened, err := s.engine.Open(params.ID, params.Stake, arbiter, caller)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	writeResult(w, req.ID, wagerResultFrom(opened))
}

func (s *Server) handleWagerJoin(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params wagerIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, authErr := s.authenticate(req.Method, params.signedRequest, params.ID)
	if authErr != nil {
		s.writeAuthError(w, req, authErr)
		return
	}
	joined, err := s.engine.Join(params.ID, caller)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	writeResult(w, req.ID, wagerResultFrom(joined))
}

func (s *Server) handleWagerResolve(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params wagerResolveParams
	if !decodeParams(w, req, &params) {
		return
	}
	winner, err := crypto.ParseIdentity(params.Winner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid winner", err.Error())
		return
	}
	caller, authErr := s.authenticate(req.Method, params.signedRequest, params.ID, strings.TrimSpace(params.Winner))
	if authErr != nil {
		s.writeAuthError(w, req, authErr)
		return
	}
	resolved, err := s.engine.Resolve(params.ID, winner, caller)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	writeResult(w, req.ID, wagerResultFrom(resolved))
}

func (s *Server) handleWagerCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params wagerIDParams
	if !decodeParams(w, req, &params) {
		return
	}
	caller, authErr := s.authenticate(req.Method, params.signedRequest, params.ID)
	if authErr != nil {
		s.writeAuthError(w, req, authErr)
		return
	}
	cancelled, err := s.engine.Cancel(params.ID, caller)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	writeResult(w, req.ID, wagerResultFrom(cancelled))
}

func (s *Server) handleWagerGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params wagerHistoryParams
	if !decodeParams(w, req, &params) {
		return
	}
	live, tomb, err := s.engine.Lookup(params.ID)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	if tomb != nil {
		writeResult(w, req.ID, tombstoneResultFrom(tomb))
		return
	}
	res := wagerResultFrom(live)
	if custody, err := s.ledger.CustodyBalance(live.ID); err == nil {
		res.Custody = custody.String()
	}
	writeResult(w, req.ID, res)
}

func (s *Server) handleWagerHistory(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, req.ID, codeServerError, "audit trail not configured", nil)
		return
	}
	var params wagerHistoryParams
	if !decodeParams(w, req, &params) {
		return
	}
	if err := wager.ValidateID(params.ID); err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	entries, err := s.history.History(r.Context(), params.ID, params.Limit)
	if err != nil {
		s.writeWagerError(w, r, req.ID, err)
		return
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, entry := range entries {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(entry.Attributes), &attrs); err != nil {
			s.writeWagerError(w, r, req.ID, errors.Join(errors.New("decode audit attributes"), err))
			return
		}
		out = append(out, HistoryEntry{
			Seq:        entry.Seq,
			Type:       entry.Type,
			Attributes: attrs,
			Digest:     entry.Digest,
			CreatedAt:  entry.CreatedAt.Unix(),
		})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) writeAuthError(w http.ResponseWriter, req *RPCRequest, authErr *RPCError) {
	status := http.StatusUnauthorized
	switch authErr.Code {
	case codeInvalidParams:
		status = http.StatusBadRequest
	case codeReplay:
		status = http.StatusConflict
		observability.RPC().RecordThrottle("replay")
	case codeBusy:
		status = http.StatusServiceUnavailable
		observability.RPC().RecordThrottle("replay_full")
	}
	writeError(w, status, req.ID, authErr.Code, authErr.Message, authErr.Data)
}
