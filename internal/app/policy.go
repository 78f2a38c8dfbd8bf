package app

import (
	"time"

	"github.com/dkeye/jointly/internal/domain"
)

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (starting at 1) and when to give up.
type ReconnectPolicy interface {
	Delay(attempt int) time.Duration
	MaxAttempts() int
}

// LinearPolicy waits Base*attempt, capped at Max.
type LinearPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

func (p LinearPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base * time.Duration(attempt)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

func (p LinearPolicy) MaxAttempts() int { return p.Attempts }

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	ForceReconnect
)

// Policy reacts to a full send queue.
type Policy interface {
	OnBackpressure(msgType string) BackpressureAction
}

// SimplePolicy drops keepalives and chat, and treats any other stalled
// frame as a dead socket.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(msgType string) BackpressureAction {
	switch msgType {
	case domain.TypePing, domain.TypeChat, domain.TypeRequestSync:
		return DropFrame
	}
	return ForceReconnect
}
