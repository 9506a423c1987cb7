package utils

import (
	"encoding/json"
	"fmt"

	"chat-relay/internal/models"

	"github.com/gofiber/websocket/v2"
)

// ParseEnvelope decodes one inbound websocket frame.
func ParseEnvelope(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", models.ErrMalformedEvent, err)
	}
	if env.Event == "" {
		return models.Envelope{}, fmt.Errorf("%w: missing event name", models.ErrMalformedEvent)
	}
	return env, nil
}

// EncodeEnvelope builds an outbound frame. A nil payload is sent without data.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	env := models.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// FrameWriter is the write half of a websocket connection.
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// SendFrame writes an encoded frame as a text message. Websocket writes are
// not safe for concurrent use; only the connection's write pump calls this.
func SendFrame(w FrameWriter, frame []byte) error {
	return w.WriteMessage(websocket.TextMessage, frame)
}
