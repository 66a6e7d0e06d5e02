package secrets

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/buildmode/internal/errors"
)

func TestResolve_Precedence(t *testing.T) {
	kr := keyring.NewArrayKeyring([]keyring.Item{{Key: "anthropic", Data: []byte("from-keyring")}})
	env := map[string]string{"GEMINI_API_KEY": "from-env"}
	r := NewResolverWithKeyring(kr, func(k string) string { return env[k] }, zerolog.Nop())

	key, err := r.Resolve("anthropic", "explicit")
	require.NoError(t, err)
	assert.Equal(t, "explicit", key)

	key, err = r.Resolve("anthropic", "")
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", key)

	key, err = r.Resolve("gemini", "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestResolve_Missing(t *testing.T) {
	r := NewResolverWithKeyring(keyring.NewArrayKeyring(nil), nil, zerolog.Nop())
	_, err := r.Resolve("anthropic", "")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestStoreAndDelete(t *testing.T) {
	r := NewResolverWithKeyring(keyring.NewArrayKeyring(nil), nil, zerolog.Nop())
	assert.ErrorIs(t, r.Store("gemini", " "), perrors.ErrInvalidInput)

	require.NoError(t, r.Store("gemini", "abc"))
	key, err := r.Resolve("gemini", "")
	require.NoError(t, err)
	assert.Equal(t, "abc", key)

	require.NoError(t, r.Delete("gemini"))
	require.NoError(t, r.Delete("gemini"))
	_, err = r.Resolve("gemini", "")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestEnvVar(t *testing.T) {
	assert.Equal(t, "ANTHROPIC_API_KEY", EnvVar("anthropic"))
	assert.Equal(t, "GEMINI_API_KEY", EnvVar(" gemini "))
}
