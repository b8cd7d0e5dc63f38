package event

import (
	"time"
)

// Kind discriminates messages on the real-time channel.
type Kind string

const (
	// Inbound
	KindPlaceBet       Kind = "place_bet"
	KindCashOut        Kind = "cash_out"
	KindVerifyFairness Kind = "verify_fairness"

	// Outbound
	KindRoundState     Kind = "round_state"
	KindBetAccepted    Kind = "bet_accepted"
	KindCashOutSuccess Kind = "cash_out_success"
	KindPublicBet      Kind = "public_bet"
	KindPublicWin      Kind = "public_win"
	KindPlayResult     Kind = "play_result"
	KindVerifyResult   Kind = "verify_result"
	KindError          Kind = "error"
)

func (k Kind) Inbound() bool {
	switch k {
	case KindPlaceBet, KindCashOut, KindVerifyFairness:
		return true
	}
	return false
}

// Envelope carries one inbound command. Account is set by the transport
// from the authenticated session, never from the payload.
type Envelope struct {
	// Caller-chosen id echoed back on replies and errors
	RequestID string

	Kind    Kind
	Room    string
	Account string

	ReceivedAt time.Time

	Command Command
}

// Command is implemented by every inbound payload.
type Command interface {
	Kind() Kind
}

// Outbound is one message for the room. An empty Account means broadcast;
// otherwise only that account's session receives it.
type Outbound struct {
	Kind      Kind      `json:"type"`
	Room      string    `json:"room,omitempty"`
	Account   string    `json:"-"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   any       `json:"data"`
	SentAt    time.Time `json:"server_time"`
}

// Broadcast reports whether o goes to the whole room.
func (o Outbound) Broadcast() bool {
	return o.Account == ""
}
