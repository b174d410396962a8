package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"wagerchain/crypto"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var (
		out   string
		light bool
	)
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.BoolVar(&light, "light", false, "use the fast scrypt cost (local testing only)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", out))
	}
	pass, err := keyPassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := crypto.StandardKeystore
	if light {
		params = crypto.LightKeystore
	}
	if err := crypto.SaveToKeystoreWith(out, key, pass, params); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var keyFile string
	fs.StringVar(&keyFile, "key", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("--key is required")
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore %s not found; run wager-cli keygen first", path)
		}
		return nil, err
	}
	pass, err := keyPassphrase()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}
