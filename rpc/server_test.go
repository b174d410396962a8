package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"wagerchain/audit"
	"wagerchain/core/events"
	"wagerchain/core/state"
	"wagerchain/crypto"
	"wagerchain/native/wager"
	"wagerchain/storage"
)

const testOperatorSecret = "operator-secret"

var testNow = time.Unix(1_700_000_000, 0)

type testActor struct {
	key  *crypto.PrivateKey
	addr crypto.Address
}

func newActor(t *testing.T) testActor {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return testActor{key: key, addr: key.PubKey().Address()}
}

type testHarness struct {
	server  *Server
	http    *httptest.Server
	manager *state.Manager
	audit   *audit.Store
	bus     *events.Broadcaster
	nextID  int
}

func newHarness(t *testing.T, mutate func(*Config)) *testHarness {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	store, err := audit.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBroadcaster(16)

	engine := wager.NewEngine()
	engine.SetBackend(manager)
	engine.SetEmitter(events.MultiEmitter{store, bus})
	engine.SetNowFunc(func() int64 { return testNow.Unix() })

	cfg := Config{
		SignatureSkew:   time.Minute,
		ReplayCacheSize: 128,
		Operator:        OperatorAuthConfig{HMACSecret: testOperatorSecret, Issuer: "wagerchain"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg, engine, manager, store, bus, nil)
	require.NoError(t, err)
	srv.SetNowFunc(func() time.Time { return testNow })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testHarness{server: srv, http: ts, manager: manager, audit: store, bus: bus}
}

func (h *testHarness) fund(t *testing.T, actor testActor, amount int64) {
	t.Helper()
	require.NoError(t, h.manager.Credit(actor.addr.Identity(), big.NewInt(amount)))
}

func (h *testHarness) balance(t *testing.T, actor testActor) int64 {
	t.Helper()
	balance, err := h.manager.Balance(actor.addr.Identity())
	require.NoError(t, err)
	return balance.Int64()
}

func (h *testHarness) call(t *testing.T, method string, params interface{}, header http.Header) (int, RPCResponse) {
	t.Helper()
	h.nextID++
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(RPCRequest{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  []json.RawMessage{rawParams},
		ID:      json.RawMessage(strconv.Itoa(h.nextID)),
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func signed(t *testing.T, actor testActor, method string, ts int64, args ...string) signedRequest {
	t.Helper()
	digest := crypto.RequestDigest(method, actor.addr.String(), ts, args...)
	sig, err := crypto.Sign(actor.key, digest)
	require.NoError(t, err)
	return signedRequest{Caller: actor.addr.String(), Timestamp: ts, Signature: "0x" + hex.EncodeToString(sig)}
}

func openParams(t *testing.T, initiator, arbiter testActor, id string, stake uint64) wagerOpenParams {
	return wagerOpenParams{
		ID:            id,
		Stake:         stake,
		Arbiter:       arbiter.addr.String(),
		signedRequest: signed(t, initiator, "wager_open", testNow.Unix(), id, strconv.FormatUint(stake, 10), arbiter.addr.String()),
	}
}

func decodeResult(t *testing.T, resp RPCResponse, dst interface{}) {
	t.Helper()
	require.Nil(t, resp.Error)
	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

func TestWagerLifecycleOverRPC(t *testing.T) {
	h := newHarness(t, nil)
	a, b, arb := newActor(t), newActor(t), newActor(t)
	h.fund(t, a, 1_000)
	h.fund(t, b, 1_000)

	status, resp := h.call(t, "wager_open", openParams(t, a, arb, "g1", 100), nil)
	require.Equal(t, http.StatusOK, status)
	var opened WagerResult
	decodeResult(t, resp, &opened)
	require.Equal(t, "awaiting_counterparty", opened.Status)
	require.Equal(t, uint64(100), opened.Pot)

	status, resp = h.call(t, "wager_join", wagerIDParams{ID: "g1", signedRequest: signed(t, b, "wager_join", testNow.Unix(), "g1")}, nil)
	require.Equal(t, http.StatusOK, status)
	var joined WagerResult
	decodeResult(t, resp, &joined)
	require.Equal(t, "active", joined.Status)
	require.Equal(t, b.addr.String(), joined.Counterparty)

	status, resp = h.call(t, "wager_get", wagerHistoryParams{ID: "g1"}, nil)
	require.Equal(t, http.StatusOK, status)
	var live WagerResult
	decodeResult(t, resp, &live)
	require.Equal(t, "200", live.Custody)

	resolve := wagerResolveParams{ID: "g1", Winner: b.addr.String(), signedRequest: signed(t, arb, "wager_resolve", testNow.Unix(), "g1", b.addr.String())}
	status, resp = h.call(t, "wager_resolve", resolve, nil)
	require.Equal(t, http.StatusOK, status)
	var resolved WagerResult
	decodeResult(t, resp, &resolved)
	require.Equal(t, "resolved", resolved.Status)
	require.Equal(t, b.addr.String(), resolved.Winner)
	require.Equal(t, uint64(0), resolved.Pot)

	require.Equal(t, int64(900), h.balance(t, a))
	require.Equal(t, int64(1_100), h.balance(t, b))

	status, resp = h.call(t, "wager_get", wagerHistoryParams{ID: "g1"}, nil)
	require.Equal(t, http.StatusOK, status)
	var closed WagerResult
	decodeResult(t, resp, &closed)
	require.True(t, closed.Closed)
	require.Equal(t, "resolved", closed.Status)

	status, resp = h.call(t, "wager_history", wagerHistoryParams{ID: "g1"}, nil)
	require.Equal(t, http.StatusOK, status)
	var history []HistoryEntry
	decodeResult(t, resp, &history)
	require.Len(t, history, 3)
	require.Equal(t, wager.EventTypeWagerResolved, history[2].Type)
	require.Equal(t, "200", history[2].Attributes["payout"])

	checked, err := h.audit.Verify(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, checked)
}

func TestRejectionsMapToCodes(t *testing.T) {
	h := newHarness(t, nil)
	a, b, arb := newActor(t), newActor(t), newActor(t)
	h.fund(t, a, 50)

	status, resp := h.call(t, "wager_open", openParams(t, a, arb, "g1", 100), nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeWagerInsufficientFunds, resp.Error.Code)
	require.Equal(t, "insufficient_funds", resp.Error.Data)

	status, resp = h.call(t, "wager_open", openParams(t, a, arb, "g2", 0), nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeWagerInvalidAmount, resp.Error.Code)

	status, _ = h.call(t, "wager_open", openParams(t, a, arb, "g3", 10), nil)
	require.Equal(t, http.StatusOK, status)

	status, resp = h.call(t, "wager_join", wagerIDParams{ID: "g3", signedRequest: signed(t, a, "wager_join", testNow.Unix(), "g3")}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeWagerSelfPlay, resp.Error.Code)

	status, resp = h.call(t, "wager_cancel", wagerIDParams{ID: "g3", signedRequest: signed(t, b, "wager_cancel", testNow.Unix(), "g3")}, nil)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeWagerUnauthorized, resp.Error.Code)

	status, resp = h.call(t, "wager_cancel", wagerIDParams{ID: "g3", signedRequest: signed(t, arb, "wager_cancel", testNow.Unix(), "g3")}, nil)
	require.Equal(t, http.StatusOK, status, "%v", resp.Error)
	require.Equal(t, int64(50), h.balance(t, a))

	status, resp = h.call(t, "wager_cancel", wagerIDParams{ID: "g3", signedRequest: signed(t, arb, "wager_cancel", testNow.Unix()+1, "g3")}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeWagerAlreadyTerminal, resp.Error.Code)

	status, resp = h.call(t, "wager_get", wagerHistoryParams{ID: "missing"}, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeWagerNotFound, resp.Error.Code)
}

func TestSignatureChecks(t *testing.T) {
	h := newHarness(t, nil)
	a, b, arb := newActor(t), newActor(t), newActor(t)
	h.fund(t, a, 1_000)

	params := openParams(t, a, arb, "g1", 100)
	params.Caller = b.addr.String()
	status, resp := h.call(t, "wager_open", params, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	tampered := openParams(t, a, arb, "g1", 100)
	tampered.Stake = 1
	status, resp = h.call(t, "wager_open", tampered, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	stale := wagerOpenParams{
		ID: "g1", Stake: 100, Arbiter: arb.addr.String(),
		signedRequest: signed(t, a, "wager_open", testNow.Add(-time.Hour).Unix(), "g1", "100", arb.addr.String()),
	}
	status, resp = h.call(t, "wager_open", stale, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Contains(t, resp.Error.Message, "timestamp")

	good := openParams(t, a, arb, "g1", 100)
	status, _ = h.call(t, "wager_open", good, nil)
	require.Equal(t, http.StatusOK, status)
	status, resp = h.call(t, "wager_open", good, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeReplay, resp.Error.Code)
	require.Equal(t, int64(900), h.balance(t, a))
}

func TestLedgerCreditRequiresOperatorScope(t *testing.T) {
	h := newHarness(t, nil)
	a := newActor(t)
	params := ledgerCreditParams{Address: a.addr.String(), Amount: "250"}

	status, resp := h.call(t, "ledger_credit", params, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	wrongScope, err := IssueOperatorToken(OperatorAuthConfig{HMACSecret: testOperatorSecret, Issuer: "wagerchain"}, time.Minute, "ledger:read")
	require.NoError(t, err)
	status, resp = h.call(t, "ledger_credit", params, http.Header{"Authorization": {"Bearer " + wrongScope}})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeForbidden, resp.Error.Code)

	forged, err := IssueOperatorToken(OperatorAuthConfig{HMACSecret: "other", Issuer: "wagerchain"}, time.Minute, ScopeLedgerCredit)
	require.NoError(t, err)
	status, _ = h.call(t, "ledger_credit", params, http.Header{"Authorization": {"Bearer " + forged}})
	require.Equal(t, http.StatusUnauthorized, status)

	token, err := IssueOperatorToken(OperatorAuthConfig{HMACSecret: testOperatorSecret, Issuer: "wagerchain"}, time.Minute, ScopeLedgerCredit)
	require.NoError(t, err)
	status, resp = h.call(t, "ledger_credit", params, http.Header{"Authorization": {"Bearer " + token}})
	require.Equal(t, http.StatusOK, status)
	var credited BalanceResult
	decodeResult(t, resp, &credited)
	require.Equal(t, int64(250), credited.Balance.Int64())

	status, resp = h.call(t, "ledger_balance", ledgerBalanceParams{Address: a.addr.String()}, nil)
	require.Equal(t, http.StatusOK, status)
	var balance BalanceResult
	decodeResult(t, resp, &balance)
	require.Equal(t, int64(250), balance.Balance.Int64())
}

func TestEnvelopeErrors(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.MaxBodyBytes = 512 })

	post := func(body string) (int, RPCResponse) {
		resp, err := h.http.Client().Post(h.http.URL+"/", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out RPCResponse
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &out))
		return resp.StatusCode, out
	}

	status, resp := post("{not json")
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeParseError, resp.Error.Code)

	status, resp = post(`{"jsonrpc":"2.0","method":"wager_burn","params":[{}],"id":1}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)

	status, resp = post(`{"jsonrpc":"2.0","method":"wager_get","params":[],"id":1}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)

	status, resp = post(fmt.Sprintf(`{"jsonrpc":"2.0","method":"wager_get","params":[{"id":"%s"}],"id":1}`, strings.Repeat("x", 600)))
	require.Equal(t, http.StatusRequestEntityTooLarge, status)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimitPerSecond = 0.001
		cfg.RateLimitBurst = 1
	})
	status, _ := h.call(t, "wager_get", wagerHistoryParams{ID: "g1"}, nil)
	require.Equal(t, http.StatusNotFound, status)
	status, resp := h.call(t, "wager_get", wagerHistoryParams{ID: "g1"}, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
	require.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.http.Client().Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = h.http.Client().Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t, nil)
	a, arb := newActor(t), newActor(t)
	h.fund(t, a, 1_000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/events?id=g1"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	status, _ := h.call(t, "wager_open", openParams(t, a, arb, "other", 10), nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = h.call(t, "wager_open", openParams(t, a, arb, "g1", 10), nil)
	require.Equal(t, http.StatusOK, status)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var payload eventPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	require.Equal(t, wager.EventTypeWagerOpened, payload.Type)
	require.Equal(t, "g1", payload.Attributes["id"])
}

func TestReplayCacheHoldsLiveDigestsUnderFlood(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ReplayCacheSize = 8 })
	a, arb, junk := newActor(t), newActor(t), newActor(t)
	h.fund(t, a, 1_000)

	open := openParams(t, a, arb, "g1", 100)
	status, resp := h.call(t, "wager_open", open, nil)
	require.Equal(t, http.StatusOK, status, "%v", resp.Error)
	status, resp = h.call(t, "wager_cancel", wagerIDParams{ID: "g1", signedRequest: signed(t, arb, "wager_cancel", testNow.Unix(), "g1")}, nil)
	require.Equal(t, http.StatusOK, status, "%v", resp.Error)
	require.Equal(t, int64(1_000), h.balance(t, a))

	var last RPCResponse
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("junk-%d", i)
		status, last = h.call(t, "wager_join", wagerIDParams{ID: id, signedRequest: signed(t, junk, "wager_join", testNow.Unix(), id)}, nil)
	}
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, codeBusy, last.Error.Code)

	status, resp = h.call(t, "wager_open", open, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeReplay, resp.Error.Code)
	require.Equal(t, int64(1_000), h.balance(t, a))

	later := testNow.Add(2 * time.Minute)
	h.server.SetNowFunc(func() time.Time { return later })

	status, resp = h.call(t, "wager_open", open, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Contains(t, resp.Error.Message, "timestamp")

	fresh := wagerIDParams{ID: "junk-0", signedRequest: signed(t, junk, "wager_join", later.Unix(), "junk-0")}
	status, resp = h.call(t, "wager_join", fresh, nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeWagerNotFound, resp.Error.Code)
	require.Equal(t, int64(1_000), h.balance(t, a))
}

func TestReplayCacheExpiresOnlyPastSkew(t *testing.T) {
	cache, err := newReplayCache(2, time.Minute)
	require.NoError(t, err)

	require.Equal(t, replayAccepted, cache.remember([]byte{1}, testNow.Unix(), testNow))
	require.Equal(t, replayAccepted, cache.remember([]byte{2}, testNow.Unix()+30, testNow))
	require.Equal(t, replaySeen, cache.remember([]byte{1}, testNow.Unix(), testNow))
	require.Equal(t, replayFull, cache.remember([]byte{3}, testNow.Unix(), testNow))

	edge := testNow.Add(time.Minute)
	require.Equal(t, replayFull, cache.remember([]byte{3}, edge.Unix(), edge))

	past := testNow.Add(time.Minute + time.Second)
	require.Equal(t, replayAccepted, cache.remember([]byte{3}, past.Unix(), past))
	require.Equal(t, replaySeen, cache.remember([]byte{2}, testNow.Unix()+30, past))
}

func TestEventStreamOriginCheck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	foreign := &websocket.DialOptions{HTTPHeader: http.Header{"Origin": {"http://evil.example"}}}

	h := newHarness(t, nil)
	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws/events"
	_, resp, err := websocket.Dial(ctx, wsURL, foreign)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	open := newHarness(t, func(cfg *Config) { cfg.AllowedWSOrigins = []string{"evil.example"} })
	wsURL = "ws" + strings.TrimPrefix(open.http.URL, "http") + "/ws/events"
	conn, _, err := websocket.Dial(ctx, wsURL, foreign)
	require.NoError(t, err)
	conn.Close(websocket.StatusNormalClosure, "done")
}
