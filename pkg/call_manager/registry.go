package call_manager

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// shardCount степень двойки
const shardCount = 32

// Handle ссылка на вызов: индекс слота и поколение. После завершения
// вызова слот переиспользуется с новым поколением, старые ссылки
// перестают разрешаться.
type Handle struct {
	ID         uint32
	Generation uint32
}

// IsZero пустая ссылка
func (h Handle) IsZero() bool { return h.Generation == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.ID, h.Generation)
}

type dialogKey struct {
	callID string
	tag    string
}

type shard struct {
	mu sync.RWMutex
	// local по (Call-ID, локальный тег), уникален среди живых вызовов
	local map[dialogKey]*Call
	// remote по (Call-ID, удаленный тег): CANCEL и запросы до диалога
	remote map[dialogKey]*Call
}

type slot struct {
	gen  uint32
	call *Call
}

// registry таблица живых вызовов. Ключи диалогов разложены по шардам
// по хэшу Call-ID, слоты handle в отдельной арене.
type registry struct {
	shards [shardCount]*shard

	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &shard{
			local:  make(map[dialogKey]*Call),
			remote: make(map[dialogKey]*Call),
		}
	}
	return r
}

func (r *registry) shard(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// add выдает вызову handle и регистрирует ключи его диалога.
// false, если (Call-ID, локальный тег) уже занят.
func (r *registry) add(c *Call) bool {
	c.handle = r.allocate(c)

	callID, localTag, remoteTag := c.dialog.CallID(), c.dialog.LocalTag(), c.dialog.RemoteTag()
	s := r.shard(callID)
	s.mu.Lock()
	key := dialogKey{callID: callID, tag: localTag}
	if _, exists := s.local[key]; exists {
		s.mu.Unlock()
		r.release(c.handle)
		return false
	}
	s.local[key] = c
	if remoteTag != "" {
		s.remote[dialogKey{callID: callID, tag: remoteTag}] = c
		c.remoteTags = append(c.remoteTags, remoteTag)
	}
	s.mu.Unlock()
	return true
}

// indexRemote добавляет удаленный тег, ставший известным из ответа
func (r *registry) indexRemote(c *Call, tag string) {
	for _, t := range c.remoteTags {
		if t == tag {
			return
		}
	}
	callID := c.dialog.CallID()
	s := r.shard(callID)
	s.mu.Lock()
	s.remote[dialogKey{callID: callID, tag: tag}] = c
	s.mu.Unlock()
	c.remoteTags = append(c.remoteTags, tag)
}

func (r *registry) byLocal(callID, tag string) (*Call, bool) {
	s := r.shard(callID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.local[dialogKey{callID: callID, tag: tag}]
	return c, ok
}

func (r *registry) byRemote(callID, tag string) (*Call, bool) {
	s := r.shard(callID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.remote[dialogKey{callID: callID, tag: tag}]
	return c, ok
}

// resolve разрешает handle в живой вызов
func (r *registry) resolve(h Handle) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h.ID) >= len(r.slots) {
		return nil, false
	}
	sl := r.slots[h.ID]
	if sl.call == nil || sl.gen != h.Generation {
		return nil, false
	}
	return sl.call, true
}

// remove снимает ключи вызова и освобождает слот
func (r *registry) remove(c *Call) {
	callID := c.dialog.CallID()
	s := r.shard(callID)
	s.mu.Lock()
	key := dialogKey{callID: callID, tag: c.dialog.LocalTag()}
	if s.local[key] == c {
		delete(s.local, key)
	}
	for _, tag := range c.remoteTags {
		key := dialogKey{callID: callID, tag: tag}
		if s.remote[key] == c {
			delete(s.remote, key)
		}
	}
	s.mu.Unlock()
	r.release(c.handle)
}

func (r *registry) allocate(c *Call) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live++
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[id].call = c
		return Handle{ID: id, Generation: r.slots[id].gen}
	}
	r.slots = append(r.slots, slot{gen: 1, call: c})
	return Handle{ID: uint32(len(r.slots) - 1), Generation: 1}
}

func (r *registry) release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h.ID) >= len(r.slots) {
		return
	}
	sl := &r.slots[h.ID]
	if sl.call == nil || sl.gen != h.Generation {
		return
	}
	sl.call = nil
	sl.gen++
	if sl.gen == 0 {
		sl.gen = 1
	}
	r.free = append(r.free, h.ID)
	r.live--
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *registry) calls() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Call, 0, r.live)
	for _, sl := range r.slots {
		if sl.call != nil {
			out = append(out, sl.call)
		}
	}
	return out
}
