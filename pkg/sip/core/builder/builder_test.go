package builder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/parser"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

func testInvite(t *testing.T) *types.Request {
	t.Helper()
	raw := strings.ReplaceAll(`INVITE sip:bob@biloxi.com SIP/2.0
Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds, SIP/2.0/UDP proxy;branch=z9hG4bKp
Max-Forwards: 70
To: Bob <sip:bob@biloxi.com>
From: Alice <sip:alice@atlanta.com>;tag=1928301774
Call-ID: a84b4c76e66710
CSeq: 314159 INVITE
Record-Route: <sip:proxy.atlanta.com;lr>
Route: <sip:edge.biloxi.com;lr>
Content-Length: 0

`, "\n", "\r\n")
	msg, err := parser.Parse([]byte(raw))
	require.NoError(t, err)
	return msg.(*types.Request)
}

func TestRequestBuilder(t *testing.T) {
	uri, _ := types.ParseURI("sip:bob@biloxi.com")
	fromURI, _ := types.ParseURI("sip:alice@atlanta.com")
	from := types.NewAddress("Alice", fromURI)
	from.SetTag("abc")

	req, err := NewRequest("INVITE", uri).
		From(from).
		To(types.NewAddress("", uri)).
		CallID("call-1").
		CSeq(7).
		Header("X-Custom", "1").
		Body("application/sdp", []byte("v=0\r\n")).
		Build()
	require.NoError(t, err)

	cseq, err := req.CSeq()
	require.NoError(t, err)
	assert.Equal(t, types.CSeq{Sequence: 7, Method: "INVITE"}, cseq)
	assert.Equal(t, "70", req.Header(types.HeaderMaxForwards))
	assert.Equal(t, "5", req.Header(types.HeaderContentLength))
	assert.Equal(t, "application/sdp", req.Header(types.HeaderContentType))

	_, err = NewRequest("BYE", uri).CallID("x").Build()
	assert.Error(t, err, "без From/To/CSeq запрос не строится")
}

func TestNewResponse(t *testing.T) {
	invite := testInvite(t)

	ringing := NewResponse(invite, 180, "", "totag")
	to, err := ringing.To()
	require.NoError(t, err)
	assert.Equal(t, "totag", to.Tag())
	assert.Equal(t, invite.HeaderValues(types.HeaderVia), ringing.HeaderValues(types.HeaderVia))
	assert.Equal(t, []string{"<sip:proxy.atlanta.com;lr>"}, ringing.HeaderValues(types.HeaderRecordRoute))
	assert.Equal(t, "Ringing", ringing.Reason)

	trying := NewResponse(invite, 100, "", "totag")
	to, err = trying.To()
	require.NoError(t, err)
	assert.Empty(t, to.Tag(), "100 Trying не устанавливает tag")
	assert.Empty(t, trying.HeaderValues(types.HeaderRecordRoute))
}

func TestACKForNon2xx(t *testing.T) {
	invite := testInvite(t)
	busy := NewResponse(invite, 486, "", "b1")

	ack, err := ACKForNon2xx(invite, busy)
	require.NoError(t, err)
	assert.Equal(t, types.MethodACK, ack.Method)
	assert.Equal(t, "SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds", ack.Header(types.HeaderVia))
	assert.Equal(t, "314159 ACK", ack.Header(types.HeaderCSeq))
	assert.Equal(t, busy.Header(types.HeaderTo), ack.Header(types.HeaderTo))
	assert.Equal(t, []string{"<sip:edge.biloxi.com;lr>"}, ack.HeaderValues(types.HeaderRoute))

	_, err = ACKForNon2xx(invite, NewResponse(invite, 200, "", "b1"))
	assert.Error(t, err)
}

func TestCANCEL(t *testing.T) {
	invite := testInvite(t)
	cancel, err := CANCEL(invite)
	require.NoError(t, err)

	via, err := cancel.TopVia()
	require.NoError(t, err)
	assert.Equal(t, "z9hG4bK776asdhds", via.Branch(), "CANCEL использует branch INVITE")
	assert.Equal(t, "314159 CANCEL", cancel.Header(types.HeaderCSeq))
	assert.Equal(t, invite.RequestURI.String(), cancel.RequestURI.String())
}

func TestStatelessError(t *testing.T) {
	m := &siperrors.MalformedMessage{
		Reason:    "missing CSeq",
		IsRequest: true,
		Vias:      []string{"SIP/2.0/UDP 10.0.0.1;branch=z9hG4bK1"},
		From:      "<sip:a@b>;tag=1",
		To:        "<sip:c@d>",
		CallID:    "abc",
	}
	resp, err := StatelessError(m, 400)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "abc", resp.CallID())
	assert.Contains(t, resp.Header(types.HeaderReason), "missing CSeq")

	_, err = StatelessError(&siperrors.MalformedMessage{Reason: "x"}, 400)
	assert.Error(t, err)
}
