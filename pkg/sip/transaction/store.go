package transaction

import (
	"hash/fnv"
	"sync"
)

const shardCount = 32

// transaction общий интерфейс клиентских и серверных транзакций для хранилища
type transaction interface {
	Key() Key
	State() State
	Terminate()
}

type shard struct {
	mu   sync.RWMutex
	txs  map[Key]transaction
	acks map[string]*ServerTransaction
}

// Store хранилище транзакций, разбитое на шарды по хэшу Call-ID
type Store struct {
	shards [shardCount]*shard
}

// NewStore создает хранилище
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{
			txs:  make(map[Key]transaction),
			acks: make(map[string]*ServerTransaction),
		}
	}
	return s
}

func (s *Store) shardFor(callID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(callID))
	return s.shards[h.Sum32()%shardCount]
}

// add добавляет транзакцию; false если ключ уже занят
func (s *Store) add(callID string, tx transaction) bool {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.txs[tx.Key()]; exists {
		return false
	}
	sh.txs[tx.Key()] = tx
	return true
}

func (s *Store) get(callID string, key Key) (transaction, bool) {
	sh := s.shardFor(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	tx, ok := sh.txs[key]
	return tx, ok
}

// remove удаляет транзакцию, только если по ключу лежит именно она
func (s *Store) remove(callID string, tx transaction) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.txs[tx.Key()]; ok && cur == tx {
		delete(sh.txs, tx.Key())
	}
	for k, st := range sh.acks {
		if transaction(st) == tx {
			delete(sh.acks, k)
		}
	}
}

func (s *Store) addACK(callID, key string, tx *ServerTransaction) {
	sh := s.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.acks[key] = tx
}

func (s *Store) getACK(callID, key string) (*ServerTransaction, bool) {
	sh := s.shardFor(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	tx, ok := sh.acks[key]
	return tx, ok
}

// Len количество живых транзакций
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.txs)
		sh.mu.RUnlock()
	}
	return n
}

// all снимок всех транзакций
func (s *Store) all() []transaction {
	var out []transaction
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, tx := range sh.txs {
			out = append(out, tx)
		}
		sh.mu.RUnlock()
	}
	return out
}
