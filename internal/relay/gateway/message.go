package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved message names.
const (
	TypePing = "ping"

	ResponsePong       = "pong"
	ResponseAuthError  = "AuthError"
	ResponseJWTExpired = "jwtExpired"
)

// ExpiredMessage is sent once when a connection's token reaches its expiry.
const ExpiredMessage = "Your token has already expired."

// CloseLivenessTimeout is the close code for connections that stopped
// answering pings. It sits in the private-use range.
const CloseLivenessTimeout = 4000

// ErrProtocol marks a client frame that is not a valid envelope.
var ErrProtocol = errors.New("gateway: protocol error")

// Inbound is a client message.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server message. Data is always present on the wire, as null
// when empty.
type Outbound struct {
	Response string `json:"response"`
	Message  string `json:"message,omitempty"`
	Data     any    `json:"data"`
}

// AuthErrorData is the data of an AuthError message.
type AuthErrorData struct {
	ErrorType string `json:"errorType"`
}

func parseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return msg, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode message: %w", err)
	}
	return data, nil
}

func pong() Outbound {
	return Outbound{Response: ResponsePong}
}

func authError(kind, message string) Outbound {
	return Outbound{
		Response: ResponseAuthError,
		Message:  message,
		Data:     AuthErrorData{ErrorType: kind},
	}
}

func tokenExpired() Outbound {
	return Outbound{
		Response: ResponseJWTExpired,
		Data:     map[string]string{"message": ExpiredMessage},
	}
}
