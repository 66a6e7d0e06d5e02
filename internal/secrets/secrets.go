// Package secrets resolves provider API keys from configuration, the
// environment or the OS keyring.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

// Resolver looks up API keys. The keyring is opened on first use.
type Resolver struct {
	service string
	open    func() (keyring.Keyring, error)
	getenv  func(string) string

	once    sync.Once
	kr      keyring.Keyring
	openErr error

	logger zerolog.Logger
}

// NewResolver returns a resolver backed by the OS keyring under service.
func NewResolver(service string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		service: service,
		open: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{
				ServiceName:              service,
				KeychainTrustApplication: true,
			})
		},
		getenv: os.Getenv,
		logger: logger.With().Str("component", "secrets").Logger(),
	}
}

// NewResolverWithKeyring uses kr instead of the OS keyring. getenv may be
// nil to ignore the environment.
func NewResolverWithKeyring(kr keyring.Keyring, getenv func(string) string, logger zerolog.Logger) *Resolver {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return &Resolver{
		open:   func() (keyring.Keyring, error) { return kr, nil },
		getenv: getenv,
		logger: logger.With().Str("component", "secrets").Logger(),
	}
}

// EnvVar returns the environment variable holding a provider's key.
func EnvVar(provider string) string {
	return strings.ToUpper(strings.TrimSpace(provider)) + "_API_KEY"
}

// Resolve returns the key for provider. An explicit value wins, then the
// environment, then the keyring.
func (r *Resolver) Resolve(provider, explicit string) (string, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.getenv(EnvVar(provider))); v != "" {
		return v, nil
	}
	kr, err := r.keyring()
	if err != nil {
		return "", fmt.Errorf("%w: no %s key in environment and keyring unavailable: %v", perrors.ErrNotFound, provider, err)
	}
	item, err := kr.Get(provider)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: no %s key configured", perrors.ErrNotFound, provider)
		}
		return "", fmt.Errorf("keyring get %s: %w", provider, err)
	}
	r.logger.Debug().Str("provider", provider).Msg("api key read from keyring")
	return string(item.Data), nil
}

// Store saves a key in the keyring.
func (r *Resolver) Store(provider, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty api key", perrors.ErrInvalidInput)
	}
	kr, err := r.keyring()
	if err != nil {
		return err
	}
	return kr.Set(keyring.Item{
		Key:   provider,
		Data:  []byte(key),
		Label: r.service + " " + provider + " API key",
	})
}

// Delete removes a stored key. A missing key is not an error.
func (r *Resolver) Delete(provider string) error {
	kr, err := r.keyring()
	if err != nil {
		return err
	}
	if err := kr.Remove(provider); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("keyring remove %s: %w", provider, err)
	}
	return nil
}

func (r *Resolver) keyring() (keyring.Keyring, error) {
	r.once.Do(func() {
		r.kr, r.openErr = r.open()
		if r.openErr != nil {
			r.logger.Debug().Err(r.openErr).Msg("keyring unavailable")
		}
	})
	return r.kr, r.openErr
}
