package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"wagerchain/cmd/internal/passphrase"
)

var rpcEndpoint = defaultRPCEndpoint() // WAGER_RPC_URL or --rpc overrides the local default

var (
	cliNow        = time.Now
	rpcCall       = callRPC
	keyPassphrase = passphrase.NewSource(passphrase.DefaultEnv, "wallet").Get
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "open":
		return runOpen(args[1:], stdout, stderr)
	case "join":
		return runJoin(args[1:], stdout, stderr)
	case "resolve":
		return runResolve(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "history":
		return runHistory(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "credit":
		return runCredit(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: wager-cli [--rpc URL] <command> [flags]",
		"",
		"Commands:",
		"  keygen   --out FILE [--light]                       create an encrypted keystore",
		"  address  --key FILE                                 print the keystore address",
		"  open     --key FILE --id ID --stake N --arbiter A   open a wager",
		"  join     --key FILE --id ID                         join an open wager",
		"  resolve  --key FILE --id ID --winner A              pay the pot to the winner (arbiter only)",
		"  cancel   --key FILE --id ID                         refund the stakes (arbiter only)",
		"  get      --id ID                                    show a wager",
		"  history  --id ID [--limit N]                        show the audit trail of a wager",
		"  balance  --address A                                show an account balance",
		"  credit   --address A --amount N [--token T]         credit an account (operator)",
		"",
		"Keystore passphrases are read from " + passphrase.DefaultEnv + " or prompted.",
	}, "\n")
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("WAGER_RPC_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

// callRPC posts a single-parameter JSON-RPC request. bearer, when set, is sent
// as the Authorization header.
func callRPC(method string, params interface{}, bearer string) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{params},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// printResult pretty-prints the RPC outcome and returns the exit code.
func printResult(stdout, stderr io.Writer, result json.RawMessage, rpcErr *rpcError, err error) int {
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "Error %d: %s (%s)\n", rpcErr.Code, rpcErr.Message, strings.Trim(string(rpcErr.Data), `"`))
		} else {
			fmt.Fprintf(stderr, "Error %d: %s\n", rpcErr.Code, rpcErr.Message)
		}
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}

func printError(stderr io.Writer, msg string) int {
	fmt.Fprintf(stderr, "Error: %s\n", msg)
	return 1
}
