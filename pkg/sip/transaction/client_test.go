package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
)

func outgoing(t *testing.T, method string) *types.Request {
	t.Helper()
	from := types.NewAddress("", types.NewSipURI("pbx", "127.0.0.1", 5060))
	from.SetTag("pbx1")
	req, err := builder.NewRequest(method, types.NewSipURI("bob", "127.0.0.1", 5070)).
		From(from).
		To(types.NewAddress("", types.NewSipURI("bob", "127.0.0.1", 5070))).
		CallID("client-test@127.0.0.1").
		CSeq(1).
		Build()
	require.NoError(t, err)
	return req
}

// answer строит ответ так, как его прислал бы удаленный UAS
func answer(t *testing.T, sender *fakeSender, method string, code int) *types.Response {
	t.Helper()
	for _, s := range sender.all() {
		if req, ok := s.msg.(*types.Request); ok && req.Method == method {
			return builder.NewResponse(req, code, "", "remote1")
		}
	}
	t.Fatalf("запрос %s не отправлен", method)
	return nil
}

type clientEvents struct {
	mu        sync.Mutex
	responses []int
	done      chan error
}

func newClientEvents() *clientEvents {
	return &clientEvents{done: make(chan error, 1)}
}

func (c *clientEvents) callbacks() ClientCallbacks {
	return ClientCallbacks{
		OnResponse: func(_ *ClientTransaction, resp *types.Response) {
			c.mu.Lock()
			c.responses = append(c.responses, resp.StatusCode)
			c.mu.Unlock()
		},
		OnTerminated: func(_ *ClientTransaction, err error) { c.done <- err },
	}
}

func (c *clientEvents) codes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.responses...)
}

func (c *clientEvents) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("транзакция не завершилась")
		return nil
	}
}

func TestClientInvite_TimerBTimeout(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ev := newClientEvents()

	req := outgoing(t, types.MethodINVITE)
	tx, err := m.Request(req, peerAddr, ev.callbacks())
	require.NoError(t, err)
	require.NotEmpty(t, req.Header(types.HeaderVia), "Via добавлен менеджером")

	err = ev.wait(t)
	assert.ErrorIs(t, err, siperrors.ErrTransactionTimeout)
	assert.True(t, siperrors.IsTimeout(err))
	assert.Equal(t, StateTerminated, tx.State())

	// 10, 20, 40, 40, ... мс до 640 мс: около 17 отправок
	n := sender.count(isMethod(types.MethodINVITE))
	assert.GreaterOrEqual(t, n, 8)
	assert.LessOrEqual(t, n, 25)
}

func TestClientInvite_RetransmitIntervalCappedAtT2(t *testing.T) {
	timers := testTimers()
	interval := timers.T1
	var seq []time.Duration
	for i := 0; i < 6; i++ {
		seq = append(seq, interval)
		interval = timers.nextInterval(interval)
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		40 * time.Millisecond, 40 * time.Millisecond, 40 * time.Millisecond,
	}, seq)
}

func TestClientInvite_Non2xxSendsACK(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ev := newClientEvents()

	_, err := m.Request(outgoing(t, types.MethodINVITE), peerAddr, ev.callbacks())
	require.NoError(t, err)

	busy := answer(t, sender, types.MethodINVITE, types.StatusBusyHere)
	m.HandleMessage(busy, peerAddr)
	m.HandleMessage(busy, peerAddr)

	assert.Equal(t, []int{486}, ev.codes(), "повтор финального ответа не доходит до TU")
	assert.Equal(t, 2, sender.count(isMethod(types.MethodACK)), "ACK повторяется на каждый повтор ответа")

	for _, s := range sender.all() {
		if ack, ok := s.msg.(*types.Request); ok && ack.Method == types.MethodACK {
			via, err := ack.TopVia()
			require.NoError(t, err)
			inv := answer(t, sender, types.MethodINVITE, 100)
			invVia, _ := inv.TopVia()
			assert.Equal(t, invVia.Branch(), via.Branch(), "ACK на не-2xx в той же транзакции")
		}
	}

	assert.NoError(t, ev.wait(t), "таймер D завершает без ошибки")
}

func TestClientInvite_2xxTerminatesAndStrayGoesToTU(t *testing.T) {
	m, sender, tu := newTestManager(t)
	ev := newClientEvents()

	_, err := m.Request(outgoing(t, types.MethodINVITE), peerAddr, ev.callbacks())
	require.NoError(t, err)

	m.HandleMessage(answer(t, sender, types.MethodINVITE, types.StatusRinging), peerAddr)
	ok := answer(t, sender, types.MethodINVITE, types.StatusOK)
	m.HandleMessage(ok, peerAddr)
	require.NoError(t, ev.wait(t))
	assert.Equal(t, []int{180, 200}, ev.codes())
	assert.Zero(t, sender.count(isMethod(types.MethodACK)), "ACK на 2xx строит диалог")

	m.HandleMessage(ok, peerAddr)
	tu.mu.Lock()
	assert.Len(t, tu.stray, 1)
	tu.mu.Unlock()
}

func TestClientNonInvite_TimerF(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ev := newClientEvents()

	_, err := m.Request(outgoing(t, types.MethodBYE), peerAddr, ev.callbacks())
	require.NoError(t, err)

	assert.ErrorIs(t, ev.wait(t), siperrors.ErrTransactionTimeout)
	assert.Greater(t, sender.count(isMethod(types.MethodBYE)), 5)
}

func TestClientNonInvite_FinalThenTimerK(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ev := newClientEvents()

	tx, err := m.Request(outgoing(t, types.MethodBYE), peerAddr, ev.callbacks())
	require.NoError(t, err)
	m.HandleMessage(answer(t, sender, types.MethodBYE, types.StatusOK), peerAddr)

	assert.Equal(t, StateCompleted, tx.State())
	require.NoError(t, ev.wait(t))
	assert.Equal(t, []int{200}, ev.codes())
}

func TestClientInvite_CancelDeferredUntilProvisional(t *testing.T) {
	m, sender, _ := newTestManager(t)
	ev := newClientEvents()

	tx, err := m.Request(outgoing(t, types.MethodINVITE), peerAddr, ev.callbacks())
	require.NoError(t, err)

	require.NoError(t, tx.Cancel())
	assert.Zero(t, sender.count(isMethod(types.MethodCANCEL)), "до 1xx CANCEL не отправляется")

	m.HandleMessage(answer(t, sender, types.MethodINVITE, types.StatusRinging), peerAddr)
	assert.Equal(t, 1, sender.count(isMethod(types.MethodCANCEL)))

	// ответ на CANCEL и 487 на INVITE
	m.HandleMessage(answer(t, sender, types.MethodCANCEL, types.StatusOK), peerAddr)
	m.HandleMessage(answer(t, sender, types.MethodINVITE, types.StatusRequestTerminated), peerAddr)
	assert.Equal(t, []int{180, 487}, ev.codes())
	assert.ErrorIs(t, tx.Cancel(), ErrCancelTooLate)
}

func TestManager_RequestRejectsACK(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Request(outgoing(t, types.MethodACK), peerAddr, ClientCallbacks{})
	assert.Error(t, err)
}
