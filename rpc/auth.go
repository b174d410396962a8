package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru"

	"wagerchain/crypto"
	"wagerchain/native/wager"
)

// ScopeLedgerCredit authorises ledger_credit.
const ScopeLedgerCredit = "ledger:credit"

// signedRequest is embedded in every mutating wager call.
type signedRequest struct {
	Caller    string `json:"caller"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// authenticate checks the signature over the request digest and returns the
// caller identity. args are the method-specific fields in canonical order.
func (s *Server) authenticate(method string, sr signedRequest, args ...string) (wager.Identity, *RPCError) {
	if strings.TrimSpace(sr.Caller) == "" || strings.TrimSpace(sr.Signature) == "" {
		return wager.Identity{}, &RPCError{Code: codeInvalidParams, Message: "caller and signature are required"}
	}
	caller, err := crypto.ParseIdentity(sr.Caller)
	if err != nil {
		return wager.Identity{}, &RPCError{Code: codeInvalidParams, Message: "invalid caller", Data: err.Error()}
	}
	now := s.nowFn()
	skew := now.Sub(time.Unix(sr.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.SignatureSkew {
		return wager.Identity{}, &RPCError{Code: codeUnauthorized, Message: "request timestamp outside accepted window"}
	}
	sig, err := decodeHexBytes(sr.Signature)
	if err != nil {
		return wager.Identity{}, &RPCError{Code: codeInvalidParams, Message: "invalid signature", Data: err.Error()}
	}
	digest := crypto.RequestDigest(method, sr.Caller, sr.Timestamp, args...)
	recovered, err := crypto.RecoverIdentity(digest, sig)
	if err != nil {
		return wager.Identity{}, &RPCError{Code: codeUnauthorized, Message: "invalid signature", Data: err.Error()}
	}
	if recovered != caller {
		return wager.Identity{}, &RPCError{Code: codeUnauthorized, Message: "signature does not match caller"}
	}
	switch s.replay.remember(digest, sr.Timestamp, now) {
	case replaySeen:
		return wager.Identity{}, &RPCError{Code: codeReplay, Message: "request already processed"}
	case replayFull:
		s.logger.Warn("replay cache saturated, refusing signed request", slog.String("method", method))
		return wager.Identity{}, &RPCError{Code: codeBusy, Message: "too many signed requests in flight, retry later"}
	}
	return caller, nil
}

func decodeHexBytes(value string) ([]byte, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if cleaned == "" {
		return nil, fmt.Errorf("hex value required")
	}
	return hex.DecodeString(cleaned)
}

// replayCache remembers accepted request digests until their timestamp
// leaves the skew window. Live entries are never evicted: when every slot
// holds a digest that could still be replayed, new requests are refused.
type replayCache struct {
	mu   sync.Mutex
	seen *lru.Cache
	size int
	skew time.Duration
}

type replayVerdict int

const (
	replayAccepted replayVerdict = iota
	replaySeen
	replayFull
)

func newReplayCache(size int, skew time.Duration) (*replayCache, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("rpc: replay cache: %w", err)
	}
	return &replayCache{seen: cache, size: size, skew: skew}, nil
}

// remember records digest for a request stamped ts. Keying on the digest
// rather than the signature bytes keeps malleated signatures of the same
// request from passing.
func (c *replayCache) remember(digest []byte, ts int64, now time.Time) replayVerdict {
	key := hex.EncodeToString(digest)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen.Contains(key) {
		return replaySeen
	}
	if c.seen.Len() >= c.size {
		c.pruneExpired(now)
		if c.seen.Len() >= c.size {
			return replayFull
		}
	}
	c.seen.Add(key, time.Unix(ts, 0).Add(c.skew))
	return replayAccepted
}

// pruneExpired drops digests whose request can no longer pass the
// timestamp check.
func (c *replayCache) pruneExpired(now time.Time) {
	for _, key := range c.seen.Keys() {
		value, ok := c.seen.Peek(key)
		if !ok {
			continue
		}
		if expiry, ok := value.(time.Time); ok && now.After(expiry) {
			c.seen.Remove(key)
		}
	}
}

// OperatorAuthConfig configures the HS256 bearer tokens accepted for
// operator-only methods.
type OperatorAuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

type operatorAuth struct {
	cfg    OperatorAuthConfig
	secret []byte
}

func newOperatorAuth(cfg OperatorAuthConfig) *operatorAuth {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &operatorAuth{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// require validates the bearer token and checks it carries scope.
func (a *operatorAuth) require(r *http.Request, scope string) *RPCError {
	if len(a.secret) == 0 {
		return &RPCError{Code: codeUnauthorized, Message: "operator authentication not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	claims, err := a.parse(token)
	if err != nil {
		return &RPCError{Code: codeUnauthorized, Message: "invalid operator credentials"}
	}
	if !hasScope(claims, scope) {
		return &RPCError{Code: codeForbidden, Message: "insufficient scope"}
	}
	return nil
}

func (a *operatorAuth) parse(tokenString string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func hasScope(claims jwt.MapClaims, required string) bool {
	switch v := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == required {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == required {
				return true
			}
		}
	}
	return false
}

// IssueOperatorToken mints a scoped operator token. It backs the CLI and tests.
func IssueOperatorToken(cfg OperatorAuthConfig, ttl time.Duration, scopes ...string) (string, error) {
	secret := strings.TrimSpace(cfg.HMACSecret)
	if secret == "" {
		return "", errors.New("rpc: operator secret required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	if cfg.Issuer != "" {
		claims["iss"] = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims["aud"] = cfg.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
