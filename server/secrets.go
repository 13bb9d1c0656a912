package server

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const devSecretFile = "cookie_secret"

// Secrets are the keys the App derives its cookie codec and vault from.
type Secrets struct {
	Cookie string
	Vault  string
}

// LoadSecrets resolves the cookie and vault secrets. Outside dev mode both
// come from configuration (the vault falls back to the cookie secret). In dev
// mode a missing cookie secret is generated once and kept under
// server.secrets_path so sessions survive restarts.
func LoadSecrets(cfg Config, logger *slog.Logger) (Secrets, error) {
	cookie := cfg.Server.CookieSecret
	if cookie == "" {
		if !cfg.Server.DevMode {
			return Secrets{}, errors.New("server.cookie_secret is required")
		}
		var err error
		cookie, err = loadOrCreateDevSecret(cfg.Server.SecretsPath, logger)
		if err != nil {
			return Secrets{}, err
		}
	}

	vaultSecret := cfg.Vault.Secret
	if vaultSecret == "" {
		vaultSecret = cookie
	}
	return Secrets{Cookie: cookie, Vault: vaultSecret}, nil
}

func loadOrCreateDevSecret(dir string, logger *slog.Logger) (string, error) {
	if dir == "" {
		b, err := RandomSecret(32)
		if err != nil {
			return "", err
		}
		logger.Warn("using ephemeral dev secret, sessions end on restart")
		return hex.EncodeToString(b), nil
	}

	path := filepath.Join(dir, devSecretFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if s := strings.TrimSpace(string(data)); s != "" {
			return s, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read dev secret: %w", err)
	}

	b, err := RandomSecret(32)
	if err != nil {
		return "", err
	}
	secret := hex.EncodeToString(b)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write dev secret: %w", err)
	}
	logger.Info("generated dev secret", "path", path)
	return secret, nil
}
