package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadOrGenerateHostKey loads an existing SSH host key from keyFile, or
// generates a fresh Ed25519 key and persists it there if none exists yet
// (spec §6: the server's identity is an Ed25519 host key, not RSA).
func loadOrGenerateHostKey(keyFile string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("empty host key file path")
	}

	// #nosec G304 - keyFile comes from server configuration, not client input
	if keyData, err := os.ReadFile(keyFile); err == nil {
		hostKey, err := ssh.ParsePrivateKey(keyData)
		if err == nil {
			log.Printf("[INFO] using existing SSH host key from %s", keyFile)
			return hostKey, nil
		}
		log.Printf("[WARN] failed to parse existing host key at %s: %v", keyFile, err)
	}

	log.Printf("[INFO] generating new Ed25519 SSH host key at %s", keyFile)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ed25519 host key: %w", err)
	}
	keyData := pem.EncodeToMemory(pemBlock)

	// #nosec G304 - keyFile comes from server configuration, not client input
	if err := os.WriteFile(keyFile, keyData, 0o600); err != nil {
		log.Printf("[WARN] could not persist SSH host key to %s: %v", keyFile, err)
	}

	hostKey, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated host key: %w", err)
	}
	return hostKey, nil
}
