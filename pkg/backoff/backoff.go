// Package backoff computes reconnect delays as a pure function of the
// attempt number, so callers can test scheduling without timers or network.
package backoff

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Multiplier grows the delay per attempt, typically 2.0.
	Multiplier float64

	// Jitter, when true, spreads each delay by ±25% to avoid synchronized
	// reconnect storms.
	Jitter bool
}

// DefaultPolicy matches the relay reconnect schedule: 1s base doubling to a
// 30s cap.
func DefaultPolicy() Policy {
	return Policy{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt (1-based). Attempt 0 or
// negative returns zero: the first try is immediate.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter {
		// ±25% spread; capped delays jitter too so herds still spread.
		d *= 0.75 + cryptoRandFloat64()*0.5
	}
	return time.Duration(d)
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}
