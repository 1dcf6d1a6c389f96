package rtp

import (
	"fmt"
	"sync"

	siperrors "github.com/arzzra/soft_pbx/pkg/sip/core/errors"
)

// PortRange диапазон портов RTP, включительно
type PortRange struct {
	Min int
	Max int
}

// PortPool выделяет пары портов: четный для RTP, следующий нечетный для
// RTCP. Выдача идет по кругу, чтобы только что освобожденный порт не
// достался следующему вызову сразу.
type PortPool struct {
	portRange PortRange
	usedPorts map[int]bool
	mutex     sync.Mutex
	nextPort  int
}

// NewPortPool создает пул для диапазона [min, max]
func NewPortPool(min, max int) (*PortPool, error) {
	if min <= 0 || max > 65535 {
		return nil, fmt.Errorf("invalid RTP port range %d-%d", min, max)
	}
	if min%2 != 0 {
		min++
	}
	if min+1 > max {
		return nil, fmt.Errorf("RTP port range %d-%d has no even/odd pair", min, max)
	}
	return &PortPool{
		portRange: PortRange{Min: min, Max: max},
		usedPorts: make(map[int]bool),
		nextPort:  min,
	}, nil
}

// Range диапазон пула
func (p *PortPool) Range() PortRange { return p.portRange }

// Allocate возвращает свободный четный порт. Порт+1 считается занятым
// вместе с ним.
func (p *PortPool) Allocate() (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	start := p.nextPort
	for {
		port := p.nextPort
		p.advance()
		if !p.usedPorts[port] {
			p.usedPorts[port] = true
			return port, nil
		}
		if p.nextPort == start {
			return 0, siperrors.Newf(siperrors.ErrPortExhaustion, "all RTP ports in %d-%d are in use", p.portRange.Min, p.portRange.Max)
		}
	}
}

func (p *PortPool) advance() {
	p.nextPort += 2
	if p.nextPort+1 > p.portRange.Max {
		p.nextPort = p.portRange.Min
	}
}

// Release возвращает пару в пул
func (p *PortPool) Release(port int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.usedPorts, port)
}

// InUse число выданных пар
func (p *PortPool) InUse() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.usedPorts)
}

// Capacity общее число пар в диапазоне
func (p *PortPool) Capacity() int {
	return (p.portRange.Max - p.portRange.Min + 1) / 2
}
