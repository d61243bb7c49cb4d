package model

import "time"

// AlgoKind distinguishes exchange-side conditional orders.
type AlgoKind string

const (
	AlgoTrailingStop AlgoKind = "move_order_stop"
	AlgoTPSL         AlgoKind = "conditional"
)

// AlgoOrder is a pending conditional order tracked while active on the exchange.
type AlgoOrder struct {
	AlgoID        string    `json:"algo_id"`
	InstID        string    `json:"inst_id"`
	Side          Side      `json:"side"`
	Kind          AlgoKind  `json:"kind"`
	CallbackRatio float64   `json:"callback_ratio,omitempty"`
	ActivePx      float64   `json:"active_px,omitempty"`
	TriggerPx     float64   `json:"trigger_px,omitempty"`
	State         string    `json:"state"` // live, effective, canceled
	CreatedAt     time.Time `json:"created_at"`
}

// Result is the tagged outcome of an execution request.
// A failed Result carries the last exchange code/message seen.
// Partial is set when the main step succeeded but its follow-up (trailing
// stop placement, algo cancellation) failed; Followup holds that outcome.
type Result struct {
	Success       bool    `json:"success"`
	Code          string  `json:"code"`
	Message       string  `json:"message"`
	OrderID       string  `json:"order_id,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Attempts      int     `json:"attempts"`
	Partial       bool    `json:"partial"`
	Followup      *Result `json:"followup,omitempty"`
}

// Succeeded builds a successful Result.
func Succeeded(orderID string) Result {
	return Result{Success: true, Code: "0", OrderID: orderID}
}

// Failed builds a failed Result.
func Failed(code, msg string) Result {
	if code == "" {
		code = "-1"
	}
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Code: code, Message: msg}
}
