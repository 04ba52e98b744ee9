// genkey generates an Ed25519 key pair for tsumugi JWT signing.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey [-dir data]
//
// Writes <dir>/jwt_private.pem and <dir>/jwt_public.pem (mode 0600). Point
// TSUMUGI_JWT_PRIVATE_KEY and TSUMUGI_JWT_PUBLIC_KEY at them. Without them
// the server signs with an ephemeral key and every restart invalidates the
// issued tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ashita-ai/tsumugi/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory to write the key pair to")
	flag.Parse()

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")
	if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s and %s\n", privPath, pubPath)
}
