package signaling

import (
	"encoding/json"
	"fmt"
)

type messageType string

const (
	messageTypeJoin         messageType = "join"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
)

// readyPayload is sent to both peers once a session has two occupants.
var readyPayload = []byte(`{"type":"ready"}`)

// envelope carries only the routing fields of an inbound message. Offer,
// answer and candidate payloads are opaque; the original bytes are what gets
// relayed.
type envelope struct {
	Type        messageType `json:"type"`
	SessionCode string      `json:"sessionCode"`
	IsInitiator bool        `json:"isInitiator"`
}

func parseEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}

	switch env.Type {
	case messageTypeJoin, messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
	case "":
		return envelope{}, fmt.Errorf("missing message type")
	default:
		return envelope{}, fmt.Errorf("unsupported message type %q", env.Type)
	}

	if env.SessionCode == "" {
		return envelope{}, fmt.Errorf("missing sessionCode")
	}
	return env, nil
}
