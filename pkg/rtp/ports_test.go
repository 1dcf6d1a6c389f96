package rtp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

func TestPortPool_EvenPairs(t *testing.T) {
	pool, err := NewPortPool(10001, 10010)
	require.NoError(t, err)
	assert.Equal(t, PortRange{Min: 10002, Max: 10010}, pool.Range(), "начало диапазона выравнивается до четного")
	assert.Equal(t, 4, pool.Capacity())

	var ports []int
	for i := 0; i < 4; i++ {
		port, err := pool.Allocate()
		require.NoError(t, err)
		assert.Zero(t, port%2, "RTP порт четный")
		ports = append(ports, port)
	}
	assert.Equal(t, []int{10002, 10004, 10006, 10008}, ports)

	_, err = pool.Allocate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, siperrors.ErrPortExhaustion))
	assert.Equal(t, 503, siperrors.StatusCode(err))

	pool.Release(10004)
	port, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 10004, port)
	assert.Equal(t, 4, pool.InUse())
}

func TestPortPool_RoundRobin(t *testing.T) {
	pool, err := NewPortPool(20000, 20010)
	require.NoError(t, err)

	first, err := pool.Allocate()
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "освобожденный порт не выдается сразу")
}

func TestNewPortPool_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"ноль", 0, 100},
		{"за пределами", 60000, 70000},
		{"нет пары", 10001, 10002},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPortPool(tt.min, tt.max)
			assert.Error(t, err)
		})
	}
}

func TestSSRCRegistry(t *testing.T) {
	reg := NewSSRCRegistry()
	seen := make(map[uint32]bool)
	for i := 0; i < 100; i++ {
		ssrc, err := reg.Allocate()
		require.NoError(t, err)
		assert.NotZero(t, ssrc)
		assert.False(t, seen[ssrc], "SSRC уникален")
		seen[ssrc] = true
	}
	assert.Equal(t, 100, reg.Len())

	for ssrc := range seen {
		assert.False(t, reg.Reserve(ssrc), "занятый SSRC нельзя зарезервировать")
		reg.Release(ssrc)
	}
	assert.Zero(t, reg.Len())
	assert.True(t, reg.Reserve(42))
}
