// Command whitenoised is a minimal headless host for package whitenoise:
// it loads configuration, opens the reference file-backed SecretsStore, and
// keeps the core running until interrupted. It is not a UI — a host
// application embeds package whitenoise directly and supplies its own
// SecretsStore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	whitenoise "github.com/whitenoise-core/whitenoise"
	"github.com/whitenoise-core/whitenoise/internal/config"
	"github.com/whitenoise-core/whitenoise/internal/secretsvault"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	if len(flag.Args()) > 0 && flag.Args()[0] == "keygen" {
		runKeygen(cfg)
		return
	}

	vault, err := secretsvault.Open(filepath.Join(cfg.DataDir, "secrets.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "secrets vault error: %v\n", err)
		os.Exit(1)
	}

	core, err := whitenoise.Initialize(cfg, vault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialize error: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	core.Shutdown()
}

// runKeygen mints a fresh identity in the vault without starting the core,
// printing the resulting npub for the operator to hand out.
func runKeygen(cfg config.Config) {
	vault, err := secretsvault.Open(filepath.Join(cfg.DataDir, "secrets.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "secrets vault error: %v\n", err)
		os.Exit(1)
	}

	sk := nostr.GeneratePrivateKey()
	pub, err := vault.ImportIdentity(context.Background(), sk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import error: %v\n", err)
		os.Exit(1)
	}
	npub, err := nip19.EncodePublicKey(pub)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode npub error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated new keypair:\n  npub: %s\n  vault: %s\n", npub, filepath.Join(cfg.DataDir, "secrets.json"))
}
