package app

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"horse.fit/tape/internal/auth"
)

// runHashSecret hashes a trigger secret for storage in the environment. It
// needs no database or configuration.
func runHashSecret(args []string) int {
	fs := flag.NewFlagSet("hash-secret", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	secret := fs.String("secret", "", "Secret to hash")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	value := *secret
	if value == "" && fs.NArg() > 0 {
		value = fs.Arg(0)
	}
	if value == "" {
		fmt.Fprintln(os.Stderr, "Error: a secret is required: use -secret")
		fs.Usage()
		return 2
	}

	hash, err := auth.HashSecret(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Hashing failed: %v\n", err)
		return 1
	}

	fmt.Println(hash)
	return 0
}
