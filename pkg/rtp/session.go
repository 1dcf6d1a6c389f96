// Package rtp реализует RTP сессию одной медиа строки: пары портов,
// пакетизацию, прием с jitter buffer, RFC 2833 DTMF и мониторинг RTCP.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/soft_pbx/internal/log"
	"github.com/arzzra/soft_pbx/internal/sockopt"
	"github.com/arzzra/soft_pbx/pkg/media"
)

var (
	ErrSessionClosed = errors.New("rtp session closed")
	ErrNoDTMF        = errors.New("telephone-event not negotiated")
	ErrNoRemote      = errors.New("remote media address unknown")
)

const (
	// maxCatchUp максимум тиков воспроизведения за одно пробуждение
	maxCatchUp = 5
	// inboundQueue емкость очереди от сокетов к циклу сессии
	inboundQueue = 256
	// bindAttempts число пар портов, которые пробуем занять
	bindAttempts = 16
	readBuffer   = 1500

	// пауза после ошибки чтения растет от minReadBackoff до maxReadBackoff
	minReadBackoff = time.Millisecond
	maxReadBackoff = 200 * time.Millisecond
)

// SessionConfig параметры сессии
type SessionConfig struct {
	// BindAddress локальный адрес сокетов
	BindAddress string
	RTCPMux     bool
	// Symmetric отправлять на адрес, с которого реально приходит RTP
	Symmetric bool
	DSCP      int

	PayloadType uint8
	ClockRate   uint32
	// DTMFPayloadType telephone-event, используется при DTMF=true
	DTMFPayloadType uint8
	DTMF            bool

	PacketTime     time.Duration
	ReportInterval time.Duration
	Jitter         media.JitterConfig
	MOS            MOSModel
	CNAME          string
}

// DefaultSessionConfig PCMU 20ms без DTMF
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		BindAddress:    "0.0.0.0",
		RTCPMux:        false,
		Symmetric:      true,
		DSCP:           sockopt.DSCPExpeditedForwarding,
		PayloadType:    0,
		ClockRate:      8000,
		PacketTime:     20 * time.Millisecond,
		ReportInterval: 5 * time.Second,
		Jitter:         media.DefaultJitterConfig(),
		MOS:            DefaultMOSModel(),
	}
}

// Handlers обработчики событий сессии. Вызываются из цикла сессии
// и не должны блокироваться.
type Handlers struct {
	OnFrame   func(media.Frame)
	OnDigit   func(media.DigitEvent)
	OnQuality func(QualityReport)
	// OnBye удаленная сторона прислала RTCP BYE
	OnBye func()
}

// SessionOption опция сессии
type SessionOption func(*Session)

// WithHandlers задает обработчики
func WithHandlers(h Handlers) SessionOption {
	return func(s *Session) { s.handlers = h }
}

// WithLogger задает логгер
func WithLogger(entry *logrus.Entry) SessionOption {
	return func(s *Session) { s.log = entry }
}

type inbound struct {
	data    []byte
	from    *net.UDPAddr
	arrival time.Time
}

// Session RTP сессия одной медиа строки. Jitter buffer, DTMF декодер и
// монитор принадлежат циклу сессии.
type Session struct {
	cfg      SessionConfig
	pool     *PortPool
	ssrcs    *SSRCRegistry
	handlers Handlers
	log      *logrus.Entry

	port     int
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn
	ssrc     uint32

	monitor *Monitor
	jitter  *media.JitterBuffer
	decoder *media.DTMFDecoder
	encoder *media.DTMFEncoder

	// отправка
	sendMu     sync.Mutex
	sendPT     uint8
	seq        uint16
	timestamp  uint32
	firstSent  bool
	sending    bool
	pausedAt   time.Time
	remote     *net.UDPAddr
	remoteRTCP *net.UDPAddr
	remoteMux  bool
	latched    bool
	dtmfQueue  []*rtp.Packet
	dtmfTS     uint32

	// прием, только цикл сессии
	remoteSSRC uint32
	bound      bool
	dropped    atomic.Uint64

	in        chan inbound
	control   chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	readers   sync.WaitGroup
	closeOnce sync.Once
	started   bool
	startMu   sync.Mutex
}

// NewSession занимает пару портов и SSRC. Сокеты открываются сразу,
// циклы запускаются в Start.
func NewSession(ctx context.Context, pool *PortPool, ssrcs *SSRCRegistry, cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if cfg.PacketTime <= 0 {
		cfg.PacketTime = 20 * time.Millisecond
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 8000
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	cfg.Jitter.PacketTime = cfg.PacketTime

	s := &Session{
		cfg:      cfg,
		pool:     pool,
		ssrcs:    ssrcs,
		sending:  true,
		sendPT:   cfg.PayloadType,
		in:       make(chan inbound, inboundQueue),
		control:  make(chan func(), 16),
		loopDone: make(chan struct{}),
		log:      log.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ssrc, err := ssrcs.Allocate()
	if err != nil {
		return nil, err
	}
	s.ssrc = ssrc

	if err := s.openPair(ctx); err != nil {
		ssrcs.Release(ssrc)
		return nil, err
	}

	s.seq = randomUint16()
	s.timestamp = randomUint32()
	if cfg.CNAME == "" {
		cfg.CNAME = fmt.Sprintf("%08x@%s", ssrc, s.rtpConn.LocalAddr())
	}
	s.monitor = NewMonitor(ssrc, cfg.CNAME, cfg.ClockRate, cfg.MOS)
	s.jitter = media.NewJitterBuffer(cfg.Jitter)
	s.decoder = media.NewDTMFDecoder(cfg.ClockRate)
	if cfg.DTMF {
		s.encoder = media.NewDTMFEncoder(cfg.DTMFPayloadType, cfg.ClockRate, cfg.PacketTime)
	}
	s.log = s.log.WithFields(logrus.Fields{"ssrc": fmt.Sprintf("%08x", ssrc), "port": s.port})
	return s, nil
}

// openPair занимает четный порт для RTP и нечетный для RTCP (если нет
// rtcp-mux). Порты, занятые другими процессами, пропускаются.
func (s *Session) openPair(ctx context.Context) error {
	opts := sockopt.Options{DSCP: s.cfg.DSCP}
	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port, err := s.pool.Allocate()
		if err != nil {
			return err
		}
		rtpConn, err := sockopt.ListenUDP(ctx, "udp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port)), opts)
		if err != nil {
			s.pool.Release(port)
			lastErr = err
			continue
		}
		var rtcpConn *net.UDPConn
		if !s.cfg.RTCPMux {
			rtcpConn, err = sockopt.ListenUDP(ctx, "udp", net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(port+1)), opts)
			if err != nil {
				_ = rtpConn.Close()
				s.pool.Release(port)
				lastErr = err
				continue
			}
		}
		s.port, s.rtpConn, s.rtcpConn = port, rtpConn, rtcpConn
		return nil
	}
	return fmt.Errorf("bind RTP port pair: %w", lastErr)
}

// Start запускает циклы приема и воспроизведения
func (s *Session) Start() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.readers.Add(1)
	go s.readLoop(s.rtpConn)
	if s.rtcpConn != nil {
		s.readers.Add(1)
		go s.readLoop(s.rtcpConn)
	}
	go s.run()
}

// SSRC локальный SSRC
func (s *Session) SSRC() uint32 { return s.ssrc }

// Port локальный RTP порт
func (s *Session) Port() int { return s.port }

// LocalAddr адрес RTP сокета
func (s *Session) LocalAddr() *net.UDPAddr {
	return s.rtpConn.LocalAddr().(*net.UDPAddr)
}

// RTCPMux используется ли мультиплексирование RTP/RTCP
func (s *Session) RTCPMux() bool { return s.rtcpConn == nil }

// SetRemote задает адреса удаленной стороны (answer или re-INVITE).
// mux: удаленная сторона согласилась на rtcp-mux.
func (s *Session) SetRemote(rtpAddr, rtcpAddr *net.UDPAddr, mux bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.remote = rtpAddr
	s.remoteRTCP = rtcpAddr
	s.remoteMux = mux
	s.latched = false
}

// Remote текущий адрес отправки RTP
func (s *Session) Remote() *net.UDPAddr {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.remote
}

// SetSending включает или выключает отправку (удержание)
func (s *Session) SetSending(on bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.setSendingLocked(on, time.Now())
}

// setSendingLocked при возобновлении timestamp сдвигается на время паузы
// целым числом пакетов, первый пакет после паузы несет marker
func (s *Session) setSendingLocked(on bool, now time.Time) {
	if on == s.sending {
		return
	}
	s.sending = on
	if !on {
		s.pausedAt = now
		return
	}
	if paused := now.Sub(s.pausedAt); paused > 0 {
		s.timestamp += uint32(paused/s.cfg.PacketTime) * s.samplesPerPacket()
	}
	s.firstSent = false
}

// SetPayloadType меняет согласованный кодек (re-INVITE)
func (s *Session) SetPayloadType(pt uint8) {
	s.sendMu.Lock()
	s.sendPT = pt
	s.sendMu.Unlock()
	s.post(func() { s.cfg.PayloadType = pt })
}

// ResetSource сбрасывает привязку удаленного SSRC (смена источника после
// перенаправления медиа)
func (s *Session) ResetSource() {
	s.post(func() {
		s.bound = false
		s.jitter.Reset()
	})
}

func (s *Session) post(fn func()) {
	select {
	case s.control <- fn:
	case <-s.loopDone:
	}
}

// samplesPerPacket приращение timestamp на один пакет
func (s *Session) samplesPerPacket() uint32 {
	return uint32(uint64(s.cfg.ClockRate) * uint64(s.cfg.PacketTime) / uint64(time.Second))
}

// Write отправляет один кадр кодека
func (s *Session) Write(payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.rtpConn == nil {
		return ErrSessionClosed
	}
	if !s.sending || len(s.dtmfQueue) > 0 {
		// во время удержания и передачи DTMF аудио не отправляется
		return nil
	}
	if s.remote == nil {
		return ErrNoRemote
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.firstSent,
			PayloadType:    s.sendPT,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.firstSent = true
	s.seq++
	s.timestamp += s.samplesPerPacket()
	return s.sendLocked(pkt)
}

func (s *Session) sendLocked(pkt *rtp.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.rtpConn.WriteToUDP(data, s.remote); err != nil {
		return fmt.Errorf("send RTP to %s: %w", s.remote, err)
	}
	s.monitor.Sent(&pkt.Header, len(pkt.Payload), time.Now())
	return nil
}

// SendDigit ставит цифру RFC 2833 в очередь. Пакеты уходят по одному за
// интервал пакетизации, конечные пакеты отправляются вместе.
func (s *Session) SendDigit(digit media.Digit, duration time.Duration) error {
	if s.encoder == nil {
		return ErrNoDTMF
	}
	packets, err := s.encoder.Packets(digit, duration)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.rtpConn == nil {
		return ErrSessionClosed
	}
	s.dtmfQueue = append(s.dtmfQueue, packets...)
	return nil
}

// sendDTMFTick отправляет очередной пакет обновления telephone-event
// или все конечные пакеты события сразу
func (s *Session) sendDTMFTick() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if len(s.dtmfQueue) == 0 || !s.sending || s.remote == nil || s.rtpConn == nil {
		return
	}
	for len(s.dtmfQueue) > 0 {
		pkt := s.dtmfQueue[0]
		s.dtmfQueue = s.dtmfQueue[1:]
		if pkt.Marker {
			s.dtmfTS = s.timestamp
		}
		pkt.SSRC = s.ssrc
		pkt.SequenceNumber = s.seq
		pkt.Timestamp = s.dtmfTS
		s.seq++
		if err := s.sendLocked(pkt); err != nil {
			s.log.WithError(err).Debug("send telephone-event")
		}
		if !isEnd(pkt) || len(s.dtmfQueue) == 0 || !isEnd(s.dtmfQueue[0]) || s.dtmfQueue[0].Marker {
			break
		}
	}
	// время идет так же, как при передаче аудио
	s.timestamp += s.samplesPerPacket()
}

func isEnd(pkt *rtp.Packet) bool {
	return len(pkt.Payload) >= 2 && pkt.Payload[1]&0x80 != 0
}

func (s *Session) readLoop(conn *net.UDPConn) {
	defer s.readers.Done()
	buf := make([]byte, readBuffer)
	var backoff time.Duration
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextReadBackoff(backoff)
			s.log.WithError(err).WithField("backoff", backoff).Debug("RTP read")
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case s.in <- inbound{data: data, from: from, arrival: time.Now()}:
		case <-s.ctx.Done():
			return
		default:
			// цикл сессии не успевает: пакет теряется как в сети
		}
	}
}

// nextReadBackoff удваивает паузу между повторными ошибками чтения
func nextReadBackoff(d time.Duration) time.Duration {
	if d < minReadBackoff {
		return minReadBackoff
	}
	if d *= 2; d > maxReadBackoff {
		return maxReadBackoff
	}
	return d
}

func (s *Session) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.PacketTime)
	defer ticker.Stop()
	report := time.NewTicker(s.cfg.ReportInterval)
	defer report.Stop()

	next := time.Now().Add(s.cfg.PacketTime)
	for {
		select {
		case <-s.ctx.Done():
			s.sendBye()
			return
		case fn := <-s.control:
			fn()
		case in := <-s.in:
			s.handleDatagram(in)
		case now := <-ticker.C:
			next = s.playout(now, next)
			s.sendDTMFTick()
		case now := <-report.C:
			s.sendReport(now)
		}
	}
}

// playout выдает все пропущенные тики, но не больше maxCatchUp
func (s *Session) playout(now, next time.Time) time.Time {
	for n := 0; !now.Before(next) && n < maxCatchUp; n++ {
		if f, ok := s.jitter.Pop(now); ok && s.handlers.OnFrame != nil {
			s.handlers.OnFrame(f)
		}
		next = next.Add(s.cfg.PacketTime)
	}
	if now.After(next) {
		next = now.Add(s.cfg.PacketTime)
	}
	return next
}

// isRTCP демультиплексирование RFC 5761: типы 192-223 относятся к RTCP
func isRTCP(data []byte) bool {
	return len(data) >= 2 && data[1] >= 192 && data[1] <= 223
}

func (s *Session) handleDatagram(in inbound) {
	if isRTCP(in.data) {
		packets, err := rtcp.Unmarshal(in.data)
		if err != nil {
			s.dropped.Add(1)
			return
		}
		if s.monitor.HandleRTCP(packets, in.arrival) && s.handlers.OnBye != nil {
			s.handlers.OnBye()
		}
		return
	}

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(in.data); err != nil || pkt.Version != 2 {
		s.dropped.Add(1)
		return
	}

	dtmf := s.cfg.DTMF && pkt.PayloadType == s.cfg.DTMFPayloadType
	if pkt.PayloadType != s.cfg.PayloadType && !dtmf {
		s.dropped.Add(1)
		return
	}
	if !s.bound {
		s.bound = true
		s.remoteSSRC = pkt.SSRC
	} else if pkt.SSRC != s.remoteSSRC {
		s.dropped.Add(1)
		return
	}
	s.latch(in.from)

	s.monitor.Received(&pkt.Header, in.arrival, !dtmf)
	if dtmf {
		// номер занят событием, для аудио это не потеря
		s.jitter.Skip(pkt.SequenceNumber)
		digits, err := s.decoder.Process(pkt.SSRC, pkt.Timestamp, pkt.Payload)
		if err != nil {
			s.log.WithError(err).Debug("telephone-event")
			return
		}
		for _, d := range digits {
			if s.handlers.OnDigit != nil {
				s.handlers.OnDigit(d)
			}
		}
		return
	}
	s.jitter.Push(pkt, in.arrival)
}

// latch симметричный RTP: отвечаем туда, откуда пришел первый пакет
func (s *Session) latch(from *net.UDPAddr) {
	if !s.cfg.Symmetric || from == nil {
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.latched {
		return
	}
	s.latched = true
	if s.remote == nil || !s.remote.IP.Equal(from.IP) || s.remote.Port != from.Port {
		s.log.WithField("remote", from.String()).Debug("symmetric RTP latched")
		s.remote = from
		if s.remoteMux || s.rtcpConn == nil {
			s.remoteRTCP = from
		} else {
			s.remoteRTCP = &net.UDPAddr{IP: from.IP, Port: from.Port + 1}
		}
	}
}

func (s *Session) sendReport(now time.Time) {
	q := s.monitor.Report(now)
	q.Buffer = s.jitter.Stats()
	s.jitter.ObserveJitter(q.Jitter)
	s.sendRTCP(s.monitor.BuildReport(now))
	if s.handlers.OnQuality != nil {
		s.handlers.OnQuality(q)
	}
}

func (s *Session) sendBye() {
	s.sendRTCP(s.monitor.Bye(time.Now(), "session closed"))
}

func (s *Session) sendRTCP(packets []rtcp.Packet) {
	data, err := rtcp.Marshal(packets)
	if err != nil {
		s.log.WithError(err).Debug("marshal RTCP")
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	to := s.remoteRTCP
	conn := s.rtcpConn
	if s.remoteMux || conn == nil {
		conn = s.rtpConn
		to = s.remote
	}
	if to == nil || conn == nil {
		return
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		s.log.WithError(err).Debug("send RTCP")
	}
}

// Quality снимок качества
func (s *Session) Quality() QualityReport {
	return s.monitor.Report(time.Now())
}

// Dropped число отброшенных входящих пакетов (чужой SSRC или тип)
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Close останавливает циклы, отправляет RTCP BYE, закрывает сокеты и
// возвращает порты и SSRC
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.startMu.Lock()
		started := s.started
		s.startMu.Unlock()

		if started {
			s.cancel()
			<-s.loopDone
		} else {
			close(s.loopDone)
		}

		s.sendMu.Lock()
		rtpConn, rtcpConn := s.rtpConn, s.rtcpConn
		s.rtpConn, s.rtcpConn = nil, nil
		s.dtmfQueue = nil
		s.sendMu.Unlock()

		_ = rtpConn.Close()
		if rtcpConn != nil {
			_ = rtcpConn.Close()
		}
		s.readers.Wait()

		s.pool.Release(s.port)
		s.ssrcs.Release(s.ssrc)
		s.log.Debug("RTP session closed")
	})
	return nil
}
