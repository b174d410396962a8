package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"wagerchain/crypto"
	"wagerchain/native/wager"
)

// signedParams builds the parameter object for a mutating call. fields holds
// the method-specific values and args lists them in digest order.
func signedParams(key *crypto.PrivateKey, method string, fields map[string]interface{}, args ...string) (map[string]interface{}, error) {
	caller := key.PubKey().Address().String()
	ts := cliNow().Unix()
	sig, err := crypto.Sign(key, crypto.RequestDigest(method, caller, ts, args...))
	if err != nil {
		return nil, err
	}
	params := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		params[k] = v
	}
	params["caller"] = caller
	params["timestamp"] = ts
	params["signature"] = "0x" + hex.EncodeToString(sig)
	return params, nil
}

func parseID(value string) (string, error) {
	id := strings.TrimSpace(value)
	if id == "" {
		return "", fmt.Errorf("--id is required")
	}
	if err := wager.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func parseAddressFlag(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("--%s is required", name)
	}
	if _, err := crypto.ParseIdentity(trimmed); err != nil {
		return "", fmt.Errorf("--%s: %v", name, err)
	}
	return trimmed, nil
}

func runOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("open", stderr)
	var keyFile, idStr, stakeStr, arbiterStr string
	fs.StringVar(&keyFile, "key", "", "initiator keystore")
	fs.StringVar(&idStr, "id", "", "wager identifier")
	fs.StringVar(&stakeStr, "stake", "", "stake in base units")
	fs.StringVar(&arbiterStr, "arbiter", "", "arbiter address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	stake, err := strconv.ParseUint(strings.TrimSpace(stakeStr), 10, 64)
	if err != nil || stake == 0 {
		return printError(stderr, "--stake must be a positive integer")
	}
	arbiter, err := parseAddressFlag("arbiter", arbiterStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params, err := signedParams(key, "wager_open",
		map[string]interface{}{"id": id, "stake": stake, "arbiter": arbiter},
		id, strconv.FormatUint(stake, 10), arbiter)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("wager_open", params, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}

// runIDOnly handles join and cancel, which sign over the identifier alone.
func runIDOnly(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var keyFile, idStr string
	fs.StringVar(&keyFile, "key", "", "caller keystore")
	fs.StringVar(&idStr, "id", "", "wager identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params, err := signedParams(key, method, map[string]interface{}{"id": id}, id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall(method, params, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	return runIDOnly("join", "wager_join", args, stdout, stderr)
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	return runIDOnly("cancel", "wager_cancel", args, stdout, stderr)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("resolve", stderr)
	var keyFile, idStr, winnerStr string
	fs.StringVar(&keyFile, "key", "", "arbiter keystore")
	fs.StringVar(&idStr, "id", "", "wager identifier")
	fs.StringVar(&winnerStr, "winner", "", "winning participant address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	winner, err := parseAddressFlag("winner", winnerStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params, err := signedParams(key, "wager_resolve", map[string]interface{}{"id": id, "winner": winner}, id, winner)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("wager_resolve", params, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "wager identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("wager_get", map[string]interface{}{"id": id}, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("history", stderr)
	var (
		idStr string
		limit int
	)
	fs.StringVar(&idStr, "id", "", "wager identifier")
	fs.IntVar(&limit, "limit", 0, "maximum entries (0 for server default)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, err := parseID(idStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}
	params := map[string]interface{}{"id": id}
	if limit > 0 {
		params["limit"] = limit
	}
	result, rpcErr, err := rpcCall("wager_history", params, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}
