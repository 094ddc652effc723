// Package push decodes the bus push-subscription envelope shared by the
// dispatcher, aggregator and uploader HTTP surfaces:
//
//	{"message": {"data": "<base64 JSON>", "message_id": "..."}}
//
// The payload inside data is always base64-encoded JSON.
package push

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope is the outer push-delivery shape.
type Envelope struct {
	Message      *Message `json:"message"`
	Subscription string   `json:"subscription,omitempty"`
}

// Message carries the base64 payload and the bus-assigned message id.
type Message struct {
	Data      string `json:"data"`
	MessageID string `json:"message_id,omitempty"`
}

// Decode parses an envelope from body and returns the decoded payload bytes
// together with the message id. All failures are shape errors; callers map
// them to a 400 so known-bad producers are not redelivered.
func Decode(body []byte) (payload []byte, messageID string, err error) {
	if len(body) == 0 {
		return nil, "", fmt.Errorf("no push message received")
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", fmt.Errorf("invalid push envelope: %w", err)
	}
	if env.Message == nil {
		return nil, "", fmt.Errorf("invalid push message format: missing message")
	}
	if env.Message.Data == "" {
		return nil, "", fmt.Errorf("no data in push message")
	}

	payload, err = base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return nil, "", fmt.Errorf("could not decode message data: %w", err)
	}
	return payload, env.Message.MessageID, nil
}
