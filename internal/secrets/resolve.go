package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arwahdevops/bisync/internal/config"
)

// Resolve picks the credentials of one peer database: the password from the
// environment when set, otherwise the first enabled manager that has the
// secret. A username missing from the secret falls back to the config.
func Resolve(ctx context.Context, db config.DatabaseConfig, label string, managers []SecretManager, logger *zap.Logger) (*Credentials, error) {
	log := logger.With(zap.String("db", label))
	envPrefix := strings.ToUpper(label)

	if db.Dialect == "sqlite" {
		return &Credentials{}, nil
	}
	if db.Password != "" {
		log.Info("Using password from environment")
		if db.User == "" {
			return nil, fmt.Errorf("password provided for %s DB via env var, but %s_USER is missing", label, envPrefix)
		}
		return &Credentials{Username: db.User, Password: db.Password}, nil
	}
	if db.SecretPath == "" {
		return nil, fmt.Errorf("could not load credentials for %s DB: set %s_PASSWORD or %s_SECRET_PATH with VAULT_ENABLED=true", label, envPrefix, envPrefix)
	}

	var errs error
	for _, sm := range managers {
		if !sm.IsEnabled() {
			continue
		}
		getCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		creds, err := sm.GetCredentials(getCtx, db.SecretPath, db.UsernameKey, db.PasswordKey)
		cancel()
		if err != nil {
			log.Warn("Secret manager could not provide credentials", zap.String("manager_type", fmt.Sprintf("%T", sm)), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if creds.Username == "" {
			creds.Username = db.User
		}
		if creds.Username == "" {
			return nil, fmt.Errorf("password retrieved for %s, but username is missing in both secret and %s_USER", label, envPrefix)
		}
		return creds, nil
	}
	if errs == nil {
		return nil, fmt.Errorf("%s_SECRET_PATH is set for %s DB but no secret manager is enabled", envPrefix, label)
	}
	return nil, fmt.Errorf("could not load credentials for %s DB from %s: %w", label, db.SecretPath, errs)
}
