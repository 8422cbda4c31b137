package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-bridge/internal/domain"
)

func TestAllowAllPermitsEverything(t *testing.T) {
	p := AllowAll()
	assert.NoError(t, p.Check("requestDevice"))
	assert.NoError(t, p.Check("writeValue"))
}

func TestDenyListWins(t *testing.T) {
	p := New(nil, []string{"writeValue", "startNotifications"})

	assert.NoError(t, p.Check("readValue"))

	err := p.Check("writeValue")
	require.Error(t, err)
	assert.Equal(t, domain.CodePermissionDenied, domain.ErrorCodeOf(err))

	// Case-insensitive match.
	require.Error(t, p.Check("WRITEVALUE"))
}

func TestAllowListRestricts(t *testing.T) {
	p := New([]string{"getAvailability", "ping"}, nil)

	assert.NoError(t, p.Check("ping"))
	assert.NoError(t, p.Check("getAvailability"))

	err := p.Check("requestDevice")
	require.Error(t, err)
	assert.Equal(t, domain.CodePermissionDenied, domain.ErrorCodeOf(err))
}

func TestDenyOverridesAllow(t *testing.T) {
	p := New([]string{"writeValue"}, []string{"writeValue"})
	require.Error(t, p.Check("writeValue"))
}
