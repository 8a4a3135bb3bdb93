package dashboard

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
)

func TestMintAndValidate(t *testing.T) {
	m, err := New("topsecret")
	require.NoError(t, err)

	token, expiresAt, err := m.Mint(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."))
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	grant, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, ScopeAdmin, grant.Scope)
	assert.WithinDuration(t, expiresAt, grant.ExpiresAt, time.Second)
	assert.Greater(t, grant.Remaining(time.Now()), 59*time.Minute)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	m1, err := New("first")
	require.NoError(t, err)
	m2, err := New("second")
	require.NoError(t, err)

	token, _, err := m1.Mint(time.Hour)
	require.NoError(t, err)

	_, err = m2.Validate(token)
	var invalid errtypes.InvalidCredentials
	assert.True(t, errors.As(err, &invalid))
}

func TestValidateRejectsExpired(t *testing.T) {
	m, err := New("topsecret")
	require.NoError(t, err)

	token, _, err := m.Mint(time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = m.Validate(token)
	var invalid errtypes.InvalidCredentials
	assert.True(t, errors.As(err, &invalid))
}

func TestValidateRejectsGarbage(t *testing.T) {
	m, err := New("topsecret")
	require.NoError(t, err)

	for _, credential := range []string{"", "cf4_deadbeef_feedface", "a.b", "a.b.c"} {
		_, err := m.Validate(credential)
		var invalid errtypes.InvalidCredentials
		assert.True(t, errors.As(err, &invalid), credential)
	}
}

func TestMintDefaultsLifetime(t *testing.T) {
	m, err := New("topsecret")
	require.NoError(t, err)

	_, expiresAt, err := m.Mint(0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), expiresAt, 5*time.Second)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
