package rtp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
)

// ssrcAttempts число попыток найти свободный SSRC
const ssrcAttempts = 16

// SSRCRegistry хранит SSRC всех локальных сессий, разделяющих транспорт,
// и исключает коллизии (RFC 3550 8.1)
type SSRCRegistry struct {
	mu   sync.Mutex
	used map[uint32]struct{}
}

// NewSSRCRegistry создает пустой реестр
func NewSSRCRegistry() *SSRCRegistry {
	return &SSRCRegistry{used: make(map[uint32]struct{})}
}

// Allocate генерирует случайный уникальный SSRC (RFC 3550 A.6)
func (r *SSRCRegistry) Allocate() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < ssrcAttempts; i++ {
		var ssrc uint32
		if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
			return 0, fmt.Errorf("generate SSRC: %w", err)
		}
		if ssrc == 0 {
			continue
		}
		if _, busy := r.used[ssrc]; busy {
			continue
		}
		r.used[ssrc] = struct{}{}
		return ssrc, nil
	}
	return 0, fmt.Errorf("no free SSRC after %d attempts", ssrcAttempts)
}

// Reserve занимает конкретный SSRC. false, если он уже занят.
func (r *SSRCRegistry) Reserve(ssrc uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.used[ssrc]; busy {
		return false
	}
	r.used[ssrc] = struct{}{}
	return true
}

// Release освобождает SSRC
func (r *SSRCRegistry) Release(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, ssrc)
}

// Len число занятых SSRC
func (r *SSRCRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

func randomUint16() uint16 {
	var v uint16
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}

func randomUint32() uint32 {
	var v uint32
	_ = binary.Read(rand.Reader, binary.BigEndian, &v)
	return v
}
