package sockopt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenUDP_WithOptions(t *testing.T) {
	conn, err := ListenUDP(context.Background(), "udp4", "127.0.0.1:0", Options{
		DSCP:          DSCPExpeditedForwarding,
		ReceiveBuffer: 1 << 16,
	})
	require.NoError(t, err)
	defer conn.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.WriteToUDP([]byte("ping"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 16)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
