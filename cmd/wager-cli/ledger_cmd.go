package main

import (
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"wagerchain/config"
	"wagerchain/rpc"
)

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var addrStr string
	fs.StringVar(&addrStr, "address", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := parseAddressFlag("address", addrStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("ledger_balance", map[string]interface{}{"address": addr}, "")
	return printResult(stdout, stderr, result, rpcErr, err)
}

func runCredit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("credit", stderr)
	var addrStr, amountStr, token, issuer, audience string
	fs.StringVar(&addrStr, "address", "", "account address")
	fs.StringVar(&amountStr, "amount", "", "amount in base units")
	fs.StringVar(&token, "token", os.Getenv("WAGER_OPERATOR_TOKEN"), "operator bearer token")
	fs.StringVar(&issuer, "issuer", "wagerchain", "issuer used when minting a token from the operator secret")
	fs.StringVar(&audience, "audience", "wagerd", "audience used when minting a token from the operator secret")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := parseAddressFlag("address", addrStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(amountStr), 10)
	if !ok || amount.Sign() <= 0 {
		return printError(stderr, "--amount must be a positive integer")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		secret := strings.TrimSpace(os.Getenv(config.DefaultOperatorSecretEnv))
		if secret == "" {
			return printError(stderr, "credit requires --token, WAGER_OPERATOR_TOKEN or "+config.DefaultOperatorSecretEnv)
		}
		token, err = rpc.IssueOperatorToken(rpc.OperatorAuthConfig{
			HMACSecret: secret,
			Issuer:     issuer,
			Audience:   audience,
		}, time.Minute, rpc.ScopeLedgerCredit)
		if err != nil {
			return printError(stderr, err.Error())
		}
	}
	result, rpcErr, err := rpcCall("ledger_credit", map[string]interface{}{"address": addr, "amount": amount.String()}, token)
	return printResult(stdout, stderr, result, rpcErr, err)
}
