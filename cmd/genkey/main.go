// Command genkey creates the secret key file that seals password-typed
// configuration values, so a host can be provisioned before first start.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/camfleet/camfleet/internal/crypto"
	"github.com/camfleet/camfleet/internal/platform/paths"
)

func main() {
	var (
		dataRoot = flag.String("data-root", "", "data root (default $CAMFLEET_DATA_ROOT or ~/.camfleet)")
		rotate   = flag.Bool("rotate", false, "replace an existing key; previously sealed values become unreadable")
	)
	flag.Parse()

	layout := paths.Resolve(*dataRoot)
	if err := layout.EnsureDirs(); err != nil {
		fail(err)
	}

	keyPath := layout.SecretKeyFile()
	if _, err := os.Stat(keyPath); err == nil {
		if !*rotate {
			fmt.Printf("key already present at %s (use -rotate to replace it)\n", keyPath)
			return
		}
		if err := os.Remove(keyPath); err != nil {
			fail(err)
		}
	}

	if _, err := crypto.LoadSecretBox(keyPath); err != nil {
		fail(err)
	}
	fmt.Printf("secret key written to %s\n", keyPath)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "genkey: %v\n", err)
	os.Exit(1)
}
