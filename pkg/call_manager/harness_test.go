package call_manager

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/rtp"
	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
	"github.com/arzzra/soft_pbx/pkg/sip/transaction"
)

var (
	pbxAddr    = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}
	callerAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5070}
	calleeAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5080}
)

const waitFor = 2 * time.Second

func testTimers() transaction.Timers {
	return transaction.Timers{
		T1:     10 * time.Millisecond,
		T2:     40 * time.Millisecond,
		T4:     50 * time.Millisecond,
		TimerD: 50 * time.Millisecond,
	}
}

type sent struct {
	msg types.Message
	to  *net.UDPAddr
}

// fakeSender запоминает отправленные сообщения
type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
}

func (f *fakeSender) Send(msg types.Message, to *net.UDPAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, sent{msg: msg, to: to})
	return nil
}

func (f *fakeSender) LocalAddr() *net.UDPAddr { return pbxAddr }

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.msgs...)
}

func (f *fakeSender) find(pred func(sent) bool) (sent, bool) {
	for _, s := range f.all() {
		if pred(s) {
			return s, true
		}
	}
	return sent{}, false
}

func (f *fakeSender) count(pred func(sent) bool) int {
	n := 0
	for _, s := range f.all() {
		if pred(s) {
			n++
		}
	}
	return n
}

// wait ждет сообщение, удовлетворяющее pred
func (f *fakeSender) wait(t *testing.T, pred func(sent) bool, what string) sent {
	t.Helper()
	var out sent
	require.Eventually(t, func() bool {
		var ok bool
		out, ok = f.find(pred)
		return ok
	}, waitFor, 5*time.Millisecond, "не отправлено: %s", what)
	return out
}

func response(callID string, code int) func(sent) bool {
	return func(s sent) bool {
		r, ok := s.msg.(*types.Response)
		return ok && r.StatusCode == code && r.CallID() == callID
	}
}

func responseTo(callID, method string, code int) func(sent) bool {
	return func(s sent) bool {
		r, ok := s.msg.(*types.Response)
		if !ok || r.StatusCode != code || r.CallID() != callID {
			return false
		}
		cseq, err := r.CSeq()
		return err == nil && cseq.Method == method
	}
}

func requestTo(method string, to *net.UDPAddr) func(sent) bool {
	return func(s sent) bool {
		r, ok := s.msg.(*types.Request)
		return ok && r.Method == method && s.to.String() == to.String()
	}
}

// eventLog подписчик, запоминающий события
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) OnCallEvent(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) wait(t *testing.T, pred func(Event) bool, what string) Event {
	t.Helper()
	var out Event
	require.Eventually(t, func() bool {
		for _, e := range l.all() {
			if pred(e) {
				out = e
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond, "нет события: %s", what)
	return out
}

func (l *eventLog) terminated(callID string) func(Event) bool {
	return func(e Event) bool {
		_, ok := e.(Terminated)
		return ok && e.Meta().CallID == callID
	}
}

type harness struct {
	t      *testing.T
	tx     *transaction.Manager
	m      *Manager
	sender *fakeSender
	events *eventLog
	pool   *rtp.PortPool
}

func newHarness(t *testing.T, router Router, opts ...Option) *harness {
	t.Helper()
	sender := &fakeSender{}
	tx := transaction.NewManager(sender, transaction.WithTimers(testTimers()))

	pool, err := rtp.NewPortPool(47000, 47400)
	require.NoError(t, err)

	cfg := rtp.DefaultSessionConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.DSCP = 0
	cfg.ReportInterval = time.Hour

	events := &eventLog{}
	base := []Option{
		WithSessionConfig(cfg),
		WithMediaAddress("127.0.0.1"),
		WithContact("127.0.0.1", 5060),
		WithSubscriber(events),
	}
	m := New(tx, router, pool, rtp.NewSSRCRegistry(), append(base, opts...)...)

	h := &harness{t: t, tx: tx, m: m, sender: sender, events: events, pool: pool}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		tx.Close()
	})
	return h
}

// inbound запрос от вызывающего абонента (alice, 127.0.0.1:5070)
type inbound struct {
	callID  string
	fromTag string
	toTag   string
}

func newInboundCall(name string) *inbound {
	return &inbound{callID: name + "@127.0.0.1", fromTag: "alice-" + name}
}

func (c *inbound) request(t *testing.T, method string, seq uint32, branch string, body []byte, contentType string) *types.Request {
	t.Helper()
	from := types.NewAddress("Alice", types.NewSipURI("alice", "127.0.0.1", 5070))
	from.SetTag(c.fromTag)
	to := types.NewAddress("", types.NewSipURI("100", "127.0.0.1", 5060))
	if c.toTag != "" {
		to.SetTag(c.toTag)
	}
	b := builder.NewRequest(method, types.NewSipURI("100", "127.0.0.1", 5060)).
		Header(types.HeaderVia, "SIP/2.0/UDP 127.0.0.1:5070;branch="+branch).
		From(from).
		To(to).
		CallID(c.callID).
		CSeq(seq).
		Contact(types.NewAddress("", types.NewSipURI("alice", "127.0.0.1", 5070)))
	if len(body) > 0 {
		b.Body(contentType, body)
	}
	req, err := b.Build()
	require.NoError(t, err)
	req.SetSource(callerAddr)
	return req
}

func (h *harness) deliver(msg types.Message, from *net.UDPAddr) {
	h.tx.HandleMessage(msg, from)
}

// invite отправляет INVITE с offer
func (h *harness) invite(c *inbound, body []byte) {
	h.deliver(c.request(h.t, types.MethodINVITE, 1, "z9hG4bK-inv-"+c.fromTag, body, dialog.ContentTypeSDP), callerAddr)
}

// ack подтверждает 2xx: запоминает To-tag из ответа
func (h *harness) ack(c *inbound, seq uint32) {
	h.t.Helper()
	ok := h.sender.wait(h.t, responseTo(c.callID, types.MethodINVITE, types.StatusOK), "200 на INVITE")
	to, err := ok.msg.(*types.Response).To()
	require.NoError(h.t, err)
	c.toTag = to.Tag()
	h.deliver(c.request(h.t, types.MethodACK, seq, fmt.Sprintf("z9hG4bK-ack-%s-%d", c.fromTag, seq), nil, ""), callerAddr)
}

// answered INVITE, 200 и ACK: вызов подтвержден
func (h *harness) answered(c *inbound) {
	h.t.Helper()
	h.invite(c, pcmuOffer(47900, "sendrecv"))
	h.ack(c, 1)
	h.events.wait(h.t, func(e Event) bool {
		_, ok := e.(Answered)
		return ok && e.Meta().CallID == c.callID
	}, "Answered")
}

// answerAs строит ответ удаленного UAS, находящегося по адресу at
func answerAs(t *testing.T, req *types.Request, at *net.UDPAddr, code int, tag string, body []byte) *types.Response {
	t.Helper()
	resp := builder.NewResponse(req, code, "", tag)
	if code > 100 && code < 300 && req.Method == types.MethodINVITE {
		resp.SetHeader(types.HeaderContact, fmt.Sprintf("<sip:remote@%s>", at))
	}
	if len(body) > 0 {
		resp.SetBody(dialog.ContentTypeSDP, body)
	}
	return resp
}

func audioOffer(port int, payloads string, attrs ...string) []byte {
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		fmt.Sprintf("m=audio %d RTP/AVP %s", port, payloads),
	}
	lines = append(lines, attrs...)
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func pcmuOffer(port int, direction string) []byte {
	return audioOffer(port, "0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
		"a="+direction,
	)
}

func answerDecision() RouterFunc {
	return func(context.Context, *types.URI, CallerContext) (RoutingDecision, error) {
		return RoutingDecision{Action: ActionAnswer, Application: "echo"}, nil
	}
}

func bridgeDecision(timeout time.Duration) RouterFunc {
	return func(context.Context, *types.URI, CallerContext) (RoutingDecision, error) {
		return RoutingDecision{
			Action:  ActionBridge,
			Target:  types.NewSipURI("bob", "127.0.0.1", 5080),
			NextHop: calleeAddr,
			Timeout: timeout,
		}, nil
	}
}
