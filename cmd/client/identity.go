package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/dkeye/roguetalk/internal/domain"
	"github.com/dkeye/roguetalk/internal/secure"
	"github.com/rs/zerolog/log"
)

// loadKey reads a hex encoded Ed25519 seed from path, creating a new one
// when the file does not exist.
func loadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s is not a hex encoded seed", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := secure.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
		return nil, err
	}
	log.Info().Str("module", "client").Str("path", path).Msg("new identity key written")
	return priv, nil
}

// register binds the key to the player id on the server. A conflict means
// the id already belongs to another key.
func register(ctx context.Context, base string, id domain.PlayerID, name string, pub ed25519.PublicKey) error {
	body, err := json.Marshal(map[string]any{"player": id, "name": name, "public_key": []byte(pub)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/identities", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("register %s: %s: %s", id, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
