package call_manager

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

var transferAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5090}

// ringing доводит вызов до 180 от вызываемой стороны и возвращает
// исходящий INVITE
func (h *harness) ringing(c *inbound) *types.Request {
	h.t.Helper()
	h.invite(c, pcmuOffer(47900, "sendrecv"))
	inv := h.sender.wait(h.t, requestTo(types.MethodINVITE, calleeAddr), "INVITE второго плеча").msg.(*types.Request)
	h.deliver(answerAs(h.t, inv, calleeAddr, types.StatusRinging, "bob1", nil), calleeAddr)
	h.sender.wait(h.t, response(c.callID, types.StatusRinging), "180 вызывающему")
	return inv
}

// bridged доводит вызов до двух подтвержденных плеч
func (h *harness) bridged(c *inbound) (*types.Request, Handle, Handle) {
	h.t.Helper()
	inv := h.ringing(c)
	h.deliver(answerAs(h.t, inv, calleeAddr, types.StatusOK, "bob1", pcmuOffer(47910, "sendrecv")), calleeAddr)
	h.sender.wait(h.t, requestTo(types.MethodACK, calleeAddr), "ACK второму плечу")
	h.ack(c, 1)

	var a, b Handle
	require.Eventually(h.t, func() bool {
		for _, e := range h.events.all() {
			if _, ok := e.(Answered); !ok {
				continue
			}
			if e.Meta().CallID == c.callID {
				a = e.Meta().Handle
			} else {
				b = e.Meta().Handle
			}
		}
		return !a.IsZero() && !b.IsZero()
	}, waitFor, 5*time.Millisecond, "оба плеча ответили")
	return inv, a, b
}

func TestBridge_CallerHangsUp(t *testing.T) {
	h := newHarness(t, bridgeDecision(0))
	c := newInboundCall("bridge")

	inv, a, b := h.bridged(c)
	from, err := inv.From()
	require.NoError(t, err)
	assert.Equal(t, "alice", from.URI.User, "второе плечо представляет вызывающего")
	assert.NotEqual(t, c.callID, inv.CallID(), "у плеч разные диалоги")
	assert.Contains(t, string(inv.Body()), "PCMU/8000")
	assert.Equal(t, 2, h.m.Count())

	for _, leg := range []Handle{a, b} {
		mh, err := h.m.Media(leg)
		require.NoError(t, err)
		assert.Equal(t, "PCMU", mh.Codec().Name)
	}

	h.deliver(c.request(t, types.MethodBYE, 2, "z9hG4bK-bye-bridge", nil, ""), callerAddr)
	h.sender.wait(t, responseTo(c.callID, types.MethodBYE, types.StatusOK), "200 на BYE")

	bye := h.sender.wait(t, requestTo(types.MethodBYE, calleeAddr), "BYE второму плечу").msg.(*types.Request)
	h.deliver(answerAs(t, bye, calleeAddr, types.StatusOK, "", nil), calleeAddr)

	e := h.events.wait(t, h.events.terminated(c.callID), "Terminated вызывающего")
	assert.Equal(t, ReasonRemoteHangup, e.(Terminated).Reason)
	e = h.events.wait(t, h.events.terminated(inv.CallID()), "Terminated второго плеча")
	assert.Equal(t, ReasonPeerHangup, e.(Terminated).Reason)

	assert.Eventually(t, func() bool { return h.m.Count() == 0 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.pool.InUse() == 0 }, waitFor, 5*time.Millisecond)
}

func TestBridge_CancelWhileRinging(t *testing.T) {
	h := newHarness(t, bridgeDecision(0))
	c := newInboundCall("cancel")
	inv := h.ringing(c)

	h.deliver(c.request(t, types.MethodCANCEL, 1, "z9hG4bK-inv-"+c.fromTag, nil, ""), callerAddr)
	h.sender.wait(t, responseTo(c.callID, types.MethodCANCEL, types.StatusOK), "200 на CANCEL")
	h.sender.wait(t, responseTo(c.callID, types.MethodINVITE, types.StatusRequestTerminated), "487 вызывающему")
	h.sender.wait(t, requestTo(types.MethodCANCEL, calleeAddr), "CANCEL второму плечу")

	h.deliver(answerAs(t, inv, calleeAddr, types.StatusRequestTerminated, "bob1", nil), calleeAddr)
	e := h.events.wait(t, h.events.terminated(inv.CallID()), "Terminated второго плеча")
	assert.Equal(t, types.StatusRequestTerminated, e.(Terminated).Code)

	h.deliver(c.request(t, types.MethodACK, 1, "z9hG4bK-inv-"+c.fromTag, nil, ""), callerAddr)
	e = h.events.wait(t, h.events.terminated(c.callID), "Terminated вызывающего")
	term := e.(Terminated)
	assert.Equal(t, ReasonCancelled, term.Reason)
	assert.Equal(t, types.StatusRequestTerminated, term.Code)
	assert.Equal(t, 0, h.sender.count(responseTo(c.callID, types.MethodINVITE, types.StatusOK)))
}

func TestBridge_NoAnswerTimeout(t *testing.T) {
	h := newHarness(t, bridgeDecision(100*time.Millisecond))
	c := newInboundCall("noanswer")
	inv := h.ringing(c)

	h.sender.wait(t, responseTo(c.callID, types.MethodINVITE, types.StatusTemporarilyUnavailable), "480 по таймауту")
	h.sender.wait(t, requestTo(types.MethodCANCEL, calleeAddr), "CANCEL второму плечу")

	h.deliver(answerAs(t, inv, calleeAddr, types.StatusRequestTerminated, "bob1", nil), calleeAddr)
	e := h.events.wait(t, h.events.terminated(inv.CallID()), "Terminated второго плеча")
	assert.Equal(t, ReasonNoAnswer, e.(Terminated).Reason)
}

func TestBridge_CalleeRejects(t *testing.T) {
	tests := []struct {
		name   string
		callee int
		caller int
	}{
		{"занято", types.StatusBusyHere, types.StatusBusyHere},
		{"отклонено", types.StatusDecline, types.StatusDecline},
		{"перенаправление не проксируется", 302, types.StatusTemporarilyUnavailable},
		{"таймаут вызываемого", types.StatusRequestTimeout, types.StatusTemporarilyUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, bridgeDecision(0))
			c := newInboundCall("reject")
			inv := h.ringing(c)

			h.deliver(answerAs(t, inv, calleeAddr, tt.callee, "bob1", nil), calleeAddr)
			h.sender.wait(t, responseTo(c.callID, types.MethodINVITE, tt.caller), "отказ вызывающему")
			h.sender.wait(t, requestTo(types.MethodACK, calleeAddr), "ACK на отказ")
		})
	}
}

func TestBridge_Transfer(t *testing.T) {
	h := newHarness(t, bridgeDecision(0))
	c := newInboundCall("transfer")
	inv, a, b := h.bridged(c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.m.Transfer(ctx, b, types.NewSipURI("carol", "127.0.0.1", 5090)))

	carol := h.sender.wait(t, requestTo(types.MethodINVITE, transferAddr), "INVITE цели перевода").msg.(*types.Request)
	from, err := carol.From()
	require.NoError(t, err)
	assert.Equal(t, "alice", from.URI.User, "цель видит вызывающего")

	h.deliver(answerAs(t, carol, transferAddr, types.StatusOK, "carol1", pcmuOffer(47920, "sendrecv")), transferAddr)
	h.sender.wait(t, requestTo(types.MethodACK, transferAddr), "ACK цели перевода")

	bye := h.sender.wait(t, requestTo(types.MethodBYE, calleeAddr), "BYE переведенному плечу").msg.(*types.Request)
	h.deliver(answerAs(t, bye, calleeAddr, types.StatusOK, "", nil), calleeAddr)
	e := h.events.wait(t, h.events.terminated(inv.CallID()), "Terminated переведенного плеча")
	assert.Equal(t, ReasonTransferred, e.(Terminated).Reason)

	h.events.wait(t, func(e Event) bool {
		_, ok := e.(MediaUpdated)
		return ok && e.Meta().Handle == a
	}, "MediaUpdated вызывающего")
	assert.Equal(t, 2, h.m.Count(), "вызывающий и цель перевода")

	_, err = h.m.Media(b)
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestBridge_TransferRequiresPeer(t *testing.T) {
	h := newHarness(t, answerDecision())
	c := newInboundCall("lonely")
	h.answered(c)
	handle := h.events.wait(t, func(e Event) bool { _, ok := e.(Answered); return ok }, "Answered").Meta().Handle

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.m.Transfer(ctx, handle, types.NewSipURI("carol", "127.0.0.1", 5090))
	assert.ErrorIs(t, err, ErrNotBridged)
}
