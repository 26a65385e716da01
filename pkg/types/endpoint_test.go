package types

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseEndpoint 测试端点解析
func TestParseEndpoint(t *testing.T) {
	t.Run("ipv4", func(t *testing.T) {
		ep, err := ParseEndpoint("10.0.0.1:8080")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("10.0.0.1"), ep.Addr)
		assert.Equal(t, uint16(8080), ep.Port)
		assert.Equal(t, "10.0.0.1:8080", ep.String())
	})

	t.Run("ipv6", func(t *testing.T) {
		ep, err := ParseEndpoint("[fd00::1]:443")
		require.NoError(t, err)
		assert.True(t, ep.Addr.Is6())
		assert.Equal(t, uint16(443), ep.Port)
	})

	t.Run("invalid", func(t *testing.T) {
		for _, s := range []string{"", "10.0.0.1", "not-an-addr:80", "10.0.0.1:notaport"} {
			_, err := ParseEndpoint(s)
			require.Error(t, err, s)
		}
	})
}

// TestEndpoint_IsValid 测试端点有效性判定
func TestEndpoint_IsValid(t *testing.T) {
	assert.False(t, Endpoint{}.IsValid())
	assert.False(t, Endpoint{Port: 80}.IsValid())
	assert.False(t, NewEndpoint(netip.MustParseAddr("10.0.0.1"), 0).IsValid())
	assert.True(t, NewEndpoint(netip.MustParseAddr("10.0.0.1"), 80).IsValid())
}

// TestEndpoint_String 测试零值地址的字符串表示
func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, ":9000", Endpoint{Port: 9000}.String())
}
