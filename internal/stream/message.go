package stream

import "encoding/json"

// Subscription ops.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Arg is one channel subscription argument.
type Arg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
}

// Request is the subscribe/unsubscribe message: {"op":..., "args":[...]}.
type Request struct {
	Op   string `json:"op"`
	Args []Arg  `json:"args"`
}

// Envelope is a pushed message: {"arg":{...}, "data":[...]}. Event frames
// ({"event":"subscribe"|"error", ...}) carry Event/Code/Msg instead of Data.
type Envelope struct {
	Arg   Arg               `json:"arg"`
	Data  []json.RawMessage `json:"data"`
	Event string            `json:"event,omitempty"`
	Code  string            `json:"code,omitempty"`
	Msg   string            `json:"msg,omitempty"`
}

func diffArgs(prev, next []Arg) (added, removed []Arg) {
	inPrev := make(map[Arg]bool, len(prev))
	for _, a := range prev {
		inPrev[a] = true
	}
	inNext := make(map[Arg]bool, len(next))
	for _, a := range next {
		inNext[a] = true
		if !inPrev[a] {
			added = append(added, a)
		}
	}
	for _, a := range prev {
		if !inNext[a] {
			removed = append(removed, a)
		}
	}
	return added, removed
}
