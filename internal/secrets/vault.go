package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/config"
)

// kvReader is KVv1(mount).Get or KVv2(mount).Get.
type kvReader func(ctx context.Context, path string) (*vault.KVSecret, error)

// VaultManager reads peer database credentials from a Vault KV mount.
type VaultManager struct {
	client *vault.Client
	read   kvReader
	mount  string
	logger *zap.Logger
}

// NewVaultManager returns a disabled manager when Vault is switched off.
func NewVaultManager(cfg *config.Config, baseLogger *zap.Logger) (*VaultManager, error) {
	log := baseLogger.Named("vault-manager")
	if !cfg.VaultEnabled {
		log.Info("Vault secret manager is disabled via configuration.")
		return &VaultManager{logger: log}, nil
	}

	log.Info("Initializing Vault secret manager", zap.String("address", cfg.VaultAddr),
		zap.String("mount", cfg.VaultMount), zap.Int("kv_version", cfg.VaultKVVersion))

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.VaultAddr
	vConfig.Timeout = 10 * time.Second
	if err := vConfig.ConfigureTLS(&vault.TLSConfig{
		CACert:   cfg.VaultCACert,
		Insecure: cfg.VaultSkipVerify,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure Vault TLS: %w", err)
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	} else {
		log.Warn("Vault is enabled, but no VAULT_TOKEN provided; relying on the token helper or agent.")
	}

	mount := cfg.VaultMount
	if mount == "" {
		mount = "secret"
	}
	m := &VaultManager{client: client, mount: mount, logger: log}
	switch cfg.VaultKVVersion {
	case 1:
		m.read = client.KVv1(mount).Get
	case 0, 2:
		m.read = client.KVv2(mount).Get
	default:
		return nil, fmt.Errorf("unsupported VAULT_KV_VERSION %d (must be 1 or 2)", cfg.VaultKVVersion)
	}
	return m, nil
}

func (m *VaultManager) IsEnabled() bool {
	return m != nil && m.client != nil
}

// GetCredentials reads path from the KV mount. The password must be a
// non-empty string; a missing username is returned empty.
func (m *VaultManager) GetCredentials(ctx context.Context, path, usernameKey, passwordKey string) (*Credentials, error) {
	if !m.IsEnabled() {
		return nil, fmt.Errorf("vault manager is not enabled")
	}
	if path == "" {
		return nil, fmt.Errorf("vault secret path cannot be empty")
	}
	if usernameKey == "" {
		usernameKey = "username"
	}
	if passwordKey == "" {
		passwordKey = "password"
	}

	log := m.logger.With(zap.String("vault_mount", m.mount), zap.String("vault_path", path))
	secret, err := m.read(ctx, path)
	if err != nil {
		var respErr *vault.ResponseError
		if errors.Is(err, vault.ErrSecretNotFound) || (errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound) {
			return nil, fmt.Errorf("secret '%s' not found in Vault: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read secret '%s' from Vault: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret data for '%s' is empty", path)
	}

	password, _ := secret.Data[passwordKey].(string)
	if password == "" {
		return nil, fmt.Errorf("password key '%s' is missing or not a non-empty string in secret '%s'", passwordKey, path)
	}
	username, _ := secret.Data[usernameKey].(string)

	log.Info("Retrieved credentials from Vault", zap.String("username_key", usernameKey), zap.Bool("username_present", username != ""))
	return &Credentials{Username: username, Password: password}, nil
}
