package app

import (
	"context"
	"time"
)

// Op names a store operation for latency simulation and metrics.
type Op string

const (
	OpLogin          Op = "login"
	OpRegister       Op = "register"
	OpLogout         Op = "logout"
	OpCreateDeal     Op = "create_deal"
	OpUpdateStatus   Op = "update_status"
	OpUpdatePrice    Op = "update_price"
	OpSendMessage    Op = "send_message"
	OpUploadDocument Op = "upload_document"
	OpMarkRead       Op = "mark_read"
	OpMarkAllRead    Op = "mark_all_read"
	OpPushNotice     Op = "push_notification"
)

// Latency suspends an operation before it commits. Implementations must return
// ctx.Err() when the context ends first.
type Latency interface {
	Wait(ctx context.Context, op Op) error
}

// NoLatency completes immediately.
type NoLatency struct{}

func (NoLatency) Wait(ctx context.Context, _ Op) error {
	return ctx.Err()
}

// SimulatedLatency waits a fixed duration per operation; missing ops do not wait.
type SimulatedLatency map[Op]time.Duration

// DefaultSimulatedLatency mirrors the delays of the hosted demo backend.
func DefaultSimulatedLatency() SimulatedLatency {
	return SimulatedLatency{
		OpLogin:          time.Second,
		OpRegister:       time.Second,
		OpCreateDeal:     500 * time.Millisecond,
		OpUpdateStatus:   500 * time.Millisecond,
		OpUpdatePrice:    500 * time.Millisecond,
		OpSendMessage:    300 * time.Millisecond,
		OpUploadDocument: time.Second,
	}
}

func (s SimulatedLatency) Wait(ctx context.Context, op Op) error {
	d := s[op]
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
