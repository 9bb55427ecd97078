package whatsapp

import "fmt"

// Message is one inbound chat message pushed by the gateway.
type Message struct {
	ChatID     string `json:"chat_id"`
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
	IsGroup    bool   `json:"is_group"`
	FromMe     bool   `json:"from_me"`
	HasAudio   bool   `json:"has_audio"`
	Timestamp  int64  `json:"timestamp"`
}

// gwEvent is the generic gateway frame. Events carry a type; command
// acknowledgements additionally carry the originating command id.
type gwEvent struct {
	ID      int64    `json:"id,omitempty"`
	Type    string   `json:"type"`
	Success bool     `json:"success,omitempty"`
	QR      string   `json:"qr,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   *gwError `json:"error,omitempty"`
}

type gwError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *gwError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// gwResponse pairs an acknowledgement with its error for delivery
// through the pending channel.
type gwResponse struct {
	Success bool
	Error   *gwError
}
