package dialog

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/parser"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

const inviteRaw = "INVITE sip:200@10.0.0.1 SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK-inv\r\n" +
	"Max-Forwards: 70\r\n" +
	"Record-Route: <sip:proxy1.example.com;lr>, <sip:proxy2.example.com;lr>\r\n" +
	"From: \"Alice\" <sip:100@10.0.0.2>;tag=alice1\r\n" +
	"To: <sip:200@10.0.0.1>\r\n" +
	"Call-ID: dialog-test@10.0.0.2\r\n" +
	"CSeq: 10 INVITE\r\n" +
	"Contact: <sip:100@10.0.0.2:5062>\r\n" +
	"Content-Length: 0\r\n\r\n"

type transitionLog struct {
	mu    sync.Mutex
	items []string
}

func (l *transitionLog) handler(from, to State, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, fmt.Sprintf("%s->%s", from, to))
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func parseRequest(t *testing.T, raw string) *types.Request {
	t.Helper()
	msg, err := parser.Parse([]byte(raw))
	require.NoError(t, err)
	return msg.(*types.Request)
}

func newUAS(t *testing.T) (*Dialog, *transitionLog) {
	t.Helper()
	inv := parseRequest(t, inviteRaw)
	inv.SetSource(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5060})
	contact := types.NewAddress("", types.NewSipURI("200", "10.0.0.1", 5060))
	d, err := NewUAS(inv, "pbx1", contact)
	require.NoError(t, err)
	log := &transitionLog{}
	d.SetStateHandler(log.handler)
	return d, log
}

// inDialog строит запрос от удаленной стороны внутри диалога
func inDialog(t *testing.T, method string, seq int) *types.Request {
	t.Helper()
	raw := fmt.Sprintf("%s sip:200@10.0.0.1:5060 SIP/2.0\r\n"+
		"Via: SIP/2.0/UDP 10.0.0.2:5060;branch=z9hG4bK-%s-%d\r\n"+
		"Max-Forwards: 70\r\n"+
		"From: <sip:100@10.0.0.2>;tag=alice1\r\n"+
		"To: <sip:200@10.0.0.1>;tag=pbx1\r\n"+
		"Call-ID: dialog-test@10.0.0.2\r\n"+
		"CSeq: %d %s\r\n"+
		"Content-Length: 0\r\n\r\n", method, method, seq, seq, method)
	return parseRequest(t, raw)
}

func confirmUAS(t *testing.T, d *Dialog) {
	t.Helper()
	_, err := d.Provisional(types.StatusRinging, nil)
	require.NoError(t, err)
	_, err = d.Accept([]byte("v=0\r\n"))
	require.NoError(t, err)
	require.NoError(t, d.ReceiveACK(inDialog(t, types.MethodACK, 10)))
	require.Equal(t, StateConfirmed, d.State())
}

func TestUAS_Lifecycle(t *testing.T) {
	d, log := newUAS(t)
	assert.Equal(t, StateInit, d.State())
	assert.Equal(t, "alice1", d.RemoteTag())

	trying, err := d.Provisional(types.StatusTrying, nil)
	require.NoError(t, err)
	to, _ := trying.To()
	assert.Empty(t, to.Tag(), "100 Trying без тега")
	assert.Equal(t, StateInit, d.State())

	ringing, err := d.Provisional(types.StatusRinging, nil)
	require.NoError(t, err)
	to, _ = ringing.To()
	assert.Equal(t, "pbx1", to.Tag())
	assert.Equal(t, StateEarlyMedia, d.State())

	ok, err := d.Accept([]byte("v=0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "application/sdp", ok.Header(types.HeaderContentType))
	assert.NotEmpty(t, ok.Header(types.HeaderContact))
	assert.Len(t, ok.HeaderValues(types.HeaderRecordRoute), 1)
	assert.Equal(t, StateEarlyMedia, d.State(), "до ACK диалог не подтвержден")

	require.NoError(t, d.ReceiveACK(inDialog(t, types.MethodACK, 10)))
	assert.Equal(t, StateConfirmed, d.State())

	bye, err := d.Bye("local hangup")
	require.NoError(t, err)
	assert.Equal(t, StateTerminating, d.State())
	assert.Equal(t, "sip:100@10.0.0.2:5062", bye.RequestURI.String(), "BYE на Contact удаленной стороны")
	assert.Len(t, bye.HeaderValues(types.HeaderRoute), 2)
	cseq, _ := bye.CSeq()
	assert.Equal(t, uint32(1), cseq.Sequence)

	d.ByeCompleted()
	assert.Equal(t, StateTerminated, d.State())

	assert.Equal(t, []string{
		"Init->EarlyMedia",
		"EarlyMedia->Confirmed",
		"Confirmed->Terminating",
		"Terminating->Terminated",
	}, log.all(), "каждый переход ровно один раз")
}

func TestUAS_ReceivedBye(t *testing.T) {
	d, log := newUAS(t)
	confirmUAS(t, d)

	require.NoError(t, d.CheckRequest(inDialog(t, types.MethodBYE, 11)))
	require.NoError(t, d.ReceiveBye("remote hangup"))
	assert.Equal(t, StateTerminating, d.State(), "до отправки 200 диалог завершается")

	d.ByeCompleted()
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, []string{
		"Init->EarlyMedia",
		"EarlyMedia->Confirmed",
		"Confirmed->Terminating",
		"Terminating->Terminated",
	}, log.all())

	assert.Error(t, d.ReceiveBye("again"), "повторный BYE не меняет состояние")
	assert.Len(t, log.all(), 4)
}

func TestUAS_Reject(t *testing.T) {
	d, log := newUAS(t)
	resp, err := d.Reject(types.StatusNotAcceptableHere, "unsupported media")
	require.NoError(t, err)
	assert.Equal(t, 488, resp.StatusCode)
	assert.Equal(t, StateTerminated, d.State())
	assert.Equal(t, []string{"Init->Terminated"}, log.all())

	_, err = d.Accept(nil)
	assert.ErrorIs(t, err, siperrors.ErrInvalidDialogState)
}

func TestCheckRequest_CancelAfterConfirmed(t *testing.T) {
	d, _ := newUAS(t)
	confirmUAS(t, d)

	cancel := inDialog(t, types.MethodCANCEL, 10)
	err := d.CheckRequest(cancel)
	require.Error(t, err)
	assert.Equal(t, 481, siperrors.StatusCode(err))
	assert.Equal(t, StateConfirmed, d.State(), "CANCEL не завершает подтвержденный диалог")
}

func TestCheckRequest_CancelInEarly(t *testing.T) {
	d, _ := newUAS(t)
	_, err := d.Provisional(types.StatusRinging, nil)
	require.NoError(t, err)

	raw := inDialog(t, types.MethodCANCEL, 10)
	raw.SetHeader(types.HeaderTo, "<sip:200@10.0.0.1>")
	assert.NoError(t, d.CheckRequest(raw))
}

func TestCheckRequest_OutOfOrderCSeq(t *testing.T) {
	d, _ := newUAS(t)
	confirmUAS(t, d)

	require.NoError(t, d.CheckRequest(inDialog(t, types.MethodINFO, 11)))

	tests := []struct {
		name string
		seq  int
	}{
		{"равный", 11},
		{"меньший", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.CheckRequest(inDialog(t, types.MethodINFO, tt.seq))
			require.Error(t, err)
			assert.ErrorIs(t, err, siperrors.ErrSequenceViolation)
			assert.Equal(t, 500, siperrors.StatusCode(err))
		})
	}
	assert.Equal(t, uint32(11), d.RemoteSeq())
}

func TestCheckRequest_Reinvite(t *testing.T) {
	d, _ := newUAS(t)

	_, err := d.Provisional(types.StatusRinging, nil)
	require.NoError(t, err)
	err = d.CheckRequest(inDialog(t, types.MethodINVITE, 11))
	assert.ErrorIs(t, err, siperrors.ErrInvalidDialogState, "re-INVITE только из Confirmed")

	_, err = d.Accept(nil)
	require.NoError(t, err)
	require.NoError(t, d.ReceiveACK(inDialog(t, types.MethodACK, 10)))

	require.NoError(t, d.CheckRequest(inDialog(t, types.MethodINVITE, 12)))
	require.NoError(t, d.BeginReinvite())
	assert.ErrorIs(t, d.CheckRequest(inDialog(t, types.MethodINVITE, 13)), ErrRequestPending)

	require.NoError(t, d.ReceiveACK(inDialog(t, types.MethodACK, 12)))
	assert.False(t, d.ReinvitePending())
	assert.Equal(t, "dialog-test@10.0.0.2", d.CallID(), "re-INVITE сохраняет идентификатор")
	assert.Equal(t, "pbx1", d.LocalTag())
}

func TestCheckRequest_ForeignDialog(t *testing.T) {
	d, _ := newUAS(t)
	confirmUAS(t, d)

	req := inDialog(t, types.MethodBYE, 20)
	req.SetHeader(types.HeaderTo, "<sip:200@10.0.0.1>;tag=other")
	assert.ErrorIs(t, d.CheckRequest(req), ErrNotInDialog)
}

func newUACInvite(t *testing.T) *types.Request {
	t.Helper()
	from := types.NewAddress("PBX", types.NewSipURI("100", "10.0.0.1", 5060))
	from.SetTag("uac1")
	inv, err := builder.NewRequest(types.MethodINVITE, types.NewSipURI("300", "10.0.0.3", 5060)).
		From(from).
		To(types.NewAddress("", types.NewSipURI("300", "10.0.0.3", 5060))).
		CallID("uac-test@10.0.0.1").
		CSeq(1).
		Contact(types.NewAddress("", types.NewSipURI("pbx", "10.0.0.1", 5060))).
		Build()
	require.NoError(t, err)
	inv.AddHeader(types.HeaderVia, "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bK-uac")
	return inv
}

func TestUAC_Lifecycle(t *testing.T) {
	inv := newUACInvite(t)
	d, err := NewUAC(inv)
	require.NoError(t, err)
	log := &transitionLog{}
	d.SetStateHandler(log.handler)

	ringing := builder.NewResponse(inv, types.StatusRinging, "", "bob1")
	ringing.SetHeader(types.HeaderContact, "<sip:300@10.0.0.3:5070>")
	require.NoError(t, d.ReceiveResponse(ringing))
	assert.Equal(t, StateEarlyMedia, d.State())
	assert.Equal(t, "bob1", d.RemoteTag())

	ok := builder.NewResponse(inv, types.StatusOK, "", "bob1")
	ok.SetHeader(types.HeaderContact, "<sip:300@10.0.0.3:5080>")
	ok.AddHeader(types.HeaderRecordRoute, "<sip:p1.example.com;lr>")
	ok.AddHeader(types.HeaderRecordRoute, "<sip:p2.example.com;lr>")
	require.NoError(t, d.ReceiveResponse(ok))
	assert.Equal(t, StateConfirmed, d.State())

	ack, err := d.ACK(ok)
	require.NoError(t, err)
	cseq, _ := ack.CSeq()
	assert.Equal(t, types.CSeq{Sequence: 1, Method: types.MethodACK}, cseq)
	assert.Equal(t, "sip:300@10.0.0.3:5080", ack.RequestURI.String())
	routes := ack.HeaderValues(types.HeaderRoute)
	require.Len(t, routes, 2)
	assert.Contains(t, routes[0], "p2.example.com", "UAC разворачивает Record-Route")

	again, err := d.ACK(ok)
	require.NoError(t, err)
	assert.Same(t, ack, again)

	info, err := d.NewRequest(types.MethodINFO)
	require.NoError(t, err)
	cseq, _ = info.CSeq()
	assert.Equal(t, uint32(2), cseq.Sequence)
	to, _ := info.To()
	assert.Equal(t, "bob1", to.Tag())

	assert.Equal(t, []string{"Init->EarlyMedia", "EarlyMedia->Confirmed"}, log.all())
}

func TestUAC_Rejected(t *testing.T) {
	inv := newUACInvite(t)
	d, err := NewUAC(inv)
	require.NoError(t, err)

	require.NoError(t, d.ReceiveResponse(builder.NewResponse(inv, types.StatusBusyHere, "", "bob1")))
	assert.Equal(t, StateTerminated, d.State())
	_, err = d.NewRequest(types.MethodBYE)
	assert.Error(t, err)
}

func TestUAC_2xxWithoutProvisional(t *testing.T) {
	inv := newUACInvite(t)
	d, err := NewUAC(inv)
	require.NoError(t, err)

	require.NoError(t, d.ReceiveResponse(builder.NewResponse(inv, types.StatusOK, "", "bob1")))
	assert.Equal(t, StateConfirmed, d.State())
}

func TestTerminate_Once(t *testing.T) {
	d, log := newUAS(t)
	d.Terminate("timeout")
	d.Terminate("again")
	assert.Equal(t, []string{"Init->Terminated"}, log.all())
	assert.True(t, d.IsTerminated())
}

func TestNewTag(t *testing.T) {
	a, b := NewTag(), NewTag()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
