package call_manager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/pkg/sip/core/builder"
	"github.com/arzzra/soft_pbx/pkg/sip/core/types"
	"github.com/arzzra/soft_pbx/pkg/sip/dialog"
)

// testCall вызов без менеджера: только диалог UAS для ключей реестра
func testCall(t *testing.T, callID, remoteTag, localTag string) *Call {
	t.Helper()
	from := types.NewAddress("", types.NewSipURI("alice", "127.0.0.1", 5070))
	from.SetTag(remoteTag)
	req, err := builder.NewRequest(types.MethodINVITE, types.NewSipURI("100", "127.0.0.1", 5060)).
		Header(types.HeaderVia, "SIP/2.0/UDP 127.0.0.1:5070;branch=z9hG4bK-"+remoteTag).
		From(from).
		To(types.NewAddress("", types.NewSipURI("100", "127.0.0.1", 5060))).
		CallID(callID).
		CSeq(1).
		Contact(types.NewAddress("", types.NewSipURI("alice", "127.0.0.1", 5070))).
		Build()
	require.NoError(t, err)
	d, err := dialog.NewUAS(req, localTag, types.NewAddress("", types.NewSipURI("", "127.0.0.1", 5060)))
	require.NoError(t, err)
	return &Call{dialog: d}
}

func TestRegistry_AddLookupRemove(t *testing.T) {
	r := newRegistry()
	c := testCall(t, "reg-1@host", "remote1", "local1")

	require.True(t, r.add(c))
	assert.False(t, c.handle.IsZero())
	assert.Equal(t, 1, r.len())

	got, ok := r.byLocal("reg-1@host", "local1")
	require.True(t, ok)
	assert.Same(t, c, got)
	got, ok = r.byRemote("reg-1@host", "remote1")
	require.True(t, ok)
	assert.Same(t, c, got)
	got, ok = r.resolve(c.handle)
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = r.byLocal("reg-1@host", "remote1")
	assert.False(t, ok, "локальный и удаленный теги не смешиваются")

	r.remove(c)
	assert.Equal(t, 0, r.len())
	_, ok = r.byLocal("reg-1@host", "local1")
	assert.False(t, ok)
	_, ok = r.byRemote("reg-1@host", "remote1")
	assert.False(t, ok)
	_, ok = r.resolve(c.handle)
	assert.False(t, ok)
}

func TestRegistry_DuplicateLocalKey(t *testing.T) {
	r := newRegistry()
	first := testCall(t, "dup@host", "remote1", "same")
	second := testCall(t, "dup@host", "remote2", "same")

	require.True(t, r.add(first))
	assert.False(t, r.add(second), "(Call-ID, локальный тег) уникален")
	assert.Equal(t, 1, r.len(), "слот отвергнутого вызова освобожден")
}

func TestRegistry_StaleHandleAfterReuse(t *testing.T) {
	r := newRegistry()
	old := testCall(t, "stale@host", "r1", "l1")
	require.True(t, r.add(old))
	stale := old.handle
	r.remove(old)

	fresh := testCall(t, "fresh@host", "r2", "l2")
	require.True(t, r.add(fresh))

	assert.Equal(t, stale.ID, fresh.handle.ID, "слот переиспользован")
	assert.NotEqual(t, stale.Generation, fresh.handle.Generation)
	_, ok := r.resolve(stale)
	assert.False(t, ok, "старый handle не указывает на новый вызов")
	got, ok := r.resolve(fresh.handle)
	require.True(t, ok)
	assert.Same(t, fresh, got)

	_, ok = r.resolve(Handle{})
	assert.False(t, ok)
	_, ok = r.resolve(Handle{ID: 1000, Generation: 1})
	assert.False(t, ok)
}

func TestRegistry_IndexRemote(t *testing.T) {
	r := newRegistry()
	c := testCall(t, "fork@host", "r1", "l1")
	require.True(t, r.add(c))

	r.indexRemote(c, "r2")
	r.indexRemote(c, "r2")
	assert.Len(t, c.remoteTags, 2)

	got, ok := r.byRemote("fork@host", "r2")
	require.True(t, ok)
	assert.Same(t, c, got)

	r.remove(c)
	_, ok = r.byRemote("fork@host", "r2")
	assert.False(t, ok)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newRegistry()
	const n = 200
	calls := make([]*Call, n)
	for i := range calls {
		calls[i] = testCall(t, fmt.Sprintf("conc-%d@host", i), fmt.Sprintf("r%d", i), fmt.Sprintf("l%d", i))
	}

	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c *Call) {
			defer wg.Done()
			assert.True(t, r.add(c))
			_, ok := r.resolve(c.handle)
			assert.True(t, ok)
			r.remove(c)
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 0, r.len())
	assert.Empty(t, r.calls())
}
