package rtp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/media"
)

type collector struct {
	mu     sync.Mutex
	frames []media.Frame
	digits []media.DigitEvent
	byes   int
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnFrame: func(f media.Frame) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.frames = append(c.frames, f)
		},
		OnDigit: func(d media.DigitEvent) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.digits = append(c.digits, d)
		},
		OnBye: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.byes++
		},
	}
}

func (c *collector) snapshot() ([]media.Frame, []media.DigitEvent, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.Frame(nil), c.frames...), append([]media.DigitEvent(nil), c.digits...), c.byes
}

func loopbackConfig(mux bool) SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.RTCPMux = mux
	cfg.DSCP = 0
	cfg.DTMF = true
	cfg.DTMFPayloadType = 101
	return cfg
}

// pair создает две сессии, направленные друг на друга
func pair(t *testing.T, mux bool) (*Session, *Session, *collector, *PortPool, *SSRCRegistry) {
	t.Helper()
	pool, err := NewPortPool(46000, 46200)
	require.NoError(t, err)
	ssrcs := NewSSRCRegistry()
	received := &collector{}

	a, err := NewSession(context.Background(), pool, ssrcs, loopbackConfig(mux))
	require.NoError(t, err)
	b, err := NewSession(context.Background(), pool, ssrcs, loopbackConfig(mux), WithHandlers(received.handlers()))
	require.NoError(t, err)

	rtcpOf := func(s *Session) *net.UDPAddr {
		addr := *s.LocalAddr()
		if !mux {
			addr.Port++
		}
		return &addr
	}
	a.SetRemote(b.LocalAddr(), rtcpOf(b), mux)
	b.SetRemote(a.LocalAddr(), rtcpOf(a), mux)
	a.Start()
	b.Start()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b, received, pool, ssrcs
}

func TestSession_AudioInOrder(t *testing.T) {
	a, b, received, _, _ := pair(t, false)
	assert.NotEqual(t, a.SSRC(), b.SSRC())
	assert.Zero(t, a.Port()%2)
	assert.False(t, a.RTCPMux())

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Write([]byte{byte(i)}))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		frames, _, _ := received.snapshot()
		return len(frames) >= 10
	}, 2*time.Second, 10*time.Millisecond)

	frames, _, _ := received.snapshot()
	for i, f := range frames[:10] {
		assert.False(t, f.Lost)
		assert.Equal(t, []byte{byte(i)}, f.Payload, "кадры в порядке отправки")
		if i > 0 {
			assert.Equal(t, frames[i-1].Sequence+1, f.Sequence)
			assert.Equal(t, frames[i-1].Timestamp+160, f.Timestamp, "timestamp растет на clock*ptime")
		}
	}
	assert.True(t, frames[0].Marker, "marker на первом пакете")

	q := a.Quality()
	assert.Equal(t, uint32(10), q.PacketsSent)
}

func TestSession_DigitOnce(t *testing.T) {
	a, _, received, _, _ := pair(t, true)

	require.NoError(t, a.SendDigit(media.Digit5, 100*time.Millisecond))

	require.Eventually(t, func() bool {
		_, digits, _ := received.snapshot()
		return len(digits) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	_, digits, _ := received.snapshot()
	require.Len(t, digits, 1, "ровно одна цифра на серию пакетов")
	assert.Equal(t, media.Digit5, digits[0].Event)
	assert.Equal(t, 100, digits[0].DurationMs)
	assert.True(t, digits[0].End)
}

func TestSession_CloseSendsByeAndReleases(t *testing.T) {
	a, b, received, pool, ssrcs := pair(t, true)
	assert.True(t, b.RTCPMux())
	assert.Equal(t, 2, pool.InUse())
	assert.Equal(t, 2, ssrcs.Len())

	// BYE учитывается только от привязанного источника
	require.NoError(t, a.Write([]byte{1}))
	require.Eventually(t, func() bool { return b.Quality().PacketsReceived == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "повторное закрытие безопасно")

	require.Eventually(t, func() bool {
		_, _, byes := received.snapshot()
		return byes == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, pool.InUse(), "порт возвращен в пул")
	assert.Equal(t, 1, ssrcs.Len(), "SSRC освобожден")
	assert.ErrorIs(t, a.Write([]byte{1}), ErrSessionClosed)
}

func TestSession_DropsForeignPayload(t *testing.T) {
	_, b, received, _, _ := pair(t, true)

	conn, err := net.DialUDP("udp", nil, b.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	// payload type 96 не согласован
	_, err = conn.Write([]byte{0x80, 96, 0, 1, 0, 0, 0, 0, 0, 0, 0, 7, 0xff})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Dropped() == 1 }, time.Second, 10*time.Millisecond)
	frames, _, _ := received.snapshot()
	assert.Empty(t, frames)
}

func TestSession_NoDTMF(t *testing.T) {
	pool, err := NewPortPool(46300, 46310)
	require.NoError(t, err)
	cfg := loopbackConfig(true)
	cfg.DTMF = false

	s, err := NewSession(context.Background(), pool, NewSSRCRegistry(), cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.ErrorIs(t, s.SendDigit(media.Digit1, time.Second), ErrNoDTMF)
	assert.ErrorIs(t, s.Write([]byte{1}), ErrNoRemote)
}

func TestSession_ResumeAdvancesTimestamp(t *testing.T) {
	pool, err := NewPortPool(46320, 46330)
	require.NoError(t, err)
	s, err := NewSession(context.Background(), pool, NewSSRCRegistry(), loopbackConfig(true))
	require.NoError(t, err)
	defer s.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	s.SetRemote(peer.LocalAddr().(*net.UDPAddr), nil, true)

	read := func() *rtp.Packet {
		t.Helper()
		buf := make([]byte, 1500)
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(buf[:n]))
		return pkt
	}

	require.NoError(t, s.Write([]byte{1}))
	first := read()

	held := time.Now()
	s.sendMu.Lock()
	s.setSendingLocked(false, held)
	s.sendMu.Unlock()
	require.NoError(t, s.Write([]byte{2}), "на удержании кадр отбрасывается")

	s.sendMu.Lock()
	s.setSendingLocked(true, held.Add(time.Second+5*time.Millisecond))
	s.sendMu.Unlock()
	require.NoError(t, s.Write([]byte{3}))
	resumed := read()

	assert.Equal(t, first.SequenceNumber+1, resumed.SequenceNumber, "номер без разрыва")
	assert.Equal(t, first.Timestamp+160+8000, resumed.Timestamp, "timestamp учитывает секунду паузы")
	assert.True(t, resumed.Marker, "marker после паузы")
	assert.Equal(t, []byte{3}, resumed.Payload)
}

func TestNextReadBackoff(t *testing.T) {
	var got []time.Duration
	d := time.Duration(0)
	for i := 0; i < 10; i++ {
		d = nextReadBackoff(d)
		got = append(got, d)
	}
	assert.Equal(t, minReadBackoff, got[0])
	assert.Equal(t, 2*time.Millisecond, got[1])
	assert.Equal(t, 128*time.Millisecond, got[7])
	assert.Equal(t, maxReadBackoff, got[8], "пауза ограничена сверху")
	assert.Equal(t, maxReadBackoff, got[9])
}
