// zkvm-cli is a command-line client for inspecting and constructing the
// primitives this module defines directly — addresses and transactions —
// without going through a running node. There is no RPC client here: a
// node's query surface is a separate concern this module doesn't define.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/ccoin/zkvm-core/internal/address"
	"github.com/ccoin/zkvm-core/internal/cloak"
	"github.com/ccoin/zkvm-core/internal/ristretto"
	"github.com/ccoin/zkvm-core/internal/txverify"
	"github.com/ccoin/zkvm-core/pkg/types"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("zkvm-cli v%s\n", version)

	case "help":
		printUsage()

	case "address":
		if len(os.Args) < 3 {
			fmt.Println("Usage: zkvm-cli address <subcommand>")
			fmt.Println("Subcommands: new")
			os.Exit(1)
		}
		cmdAddress(os.Args[2:])

	case "tx":
		if len(os.Args) < 3 {
			fmt.Println("Usage: zkvm-cli tx <subcommand>")
			fmt.Println("Subcommands: verify <file>")
			os.Exit(1)
		}
		cmdTransaction(os.Args[2:])

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("zkvm-cli - command-line client for addresses and transactions")
	fmt.Println()
	fmt.Println("Usage: zkvm-cli <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  version          Show version information")
	fmt.Println("  help             Show this help message")
	fmt.Println("  address new      Generate a new confidential payment address")
	fmt.Println("  tx verify <file> Verify a transaction read from a file")
}

func cmdAddress(args []string) {
	switch args[0] {
	case "new":
		controlPriv, err := ristretto.RandomScalar()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error generating control key: %v\n", err)
			os.Exit(1)
		}
		encPriv, err := ristretto.RandomScalar()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error generating encryption key: %v\n", err)
			os.Exit(1)
		}
		label, err := address.NewLabel("mainnet")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		addr := address.New(label, ristretto.MulBase(controlPriv), ristretto.MulBase(encPriv))

		fmt.Println("New address generated:")
		fmt.Printf("  Address:         %s\n", addr.String())
		fmt.Printf("  Control key:     %s\n", hex.EncodeToString(controlPriv.Bytes()))
		fmt.Printf("  Encryption key:  %s\n", hex.EncodeToString(encPriv.Bytes()))
		fmt.Println("Save both private keys; they cannot be recovered from the address alone.")

	default:
		fmt.Printf("Unknown address command: %s\n", args[0])
	}
}

func cmdTransaction(args []string) {
	switch args[0] {
	case "verify":
		if len(args) < 2 {
			fmt.Println("Usage: zkvm-cli tx verify <file>")
			os.Exit(1)
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading %s: %v\n", args[1], err)
			os.Exit(1)
		}
		tx, err := types.Decode(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error decoding transaction: %v\n", err)
			os.Exit(1)
		}
		txid, err := txverify.Verify(tx, cloak.NewManager())
		if err != nil {
			fmt.Fprintf(os.Stderr, "transaction rejected: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Transaction accepted. txid: %s\n", txid.String())

	default:
		fmt.Printf("Unknown transaction command: %s\n", args[0])
	}
}
