package protocol

import (
	"encoding/json"
	"fmt"
)

// Marshal wraps a payload in an Envelope of the given type.
func Marshal(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// MustMarshal is Marshal for payloads that cannot fail to encode.
func MustMarshal(t MessageType, payload any) Envelope {
	env, err := Marshal(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode maps an envelope to its typed payload. The switch covers every
// MessageType; an envelope with an unknown type is a protocol error.
func (e Envelope) Decode() (any, error) {
	var payload any
	switch e.Type {
	case TypeCollaborationState:
		payload = &StateSnapshot{}
	case TypeUserJoin:
		payload = &UserJoin{}
	case TypeUserLeave:
		payload = &UserLeave{}
	case TypeDocumentEdit:
		payload = &DocumentOperation{}
	case TypeCursorPosition:
		payload = &CursorPosition{}
	case TypeUserTyping:
		payload = &UserTyping{}
	case TypeDocumentLock:
		payload = &Lock{}
	case TypeDocumentUnlock:
		payload = &LockRelease{}
	case TypeLockGranted:
		payload = &Lock{}
	case TypeLockDenied:
		payload = &LockDenied{}
	case TypeAIAssistantReady:
		payload = &AIAssistantReady{}
	case TypeAIQuery:
		payload = &AIQuery{}
	case TypeAIThinking:
		payload = &AIThinking{}
	case TypeAIResponse:
		payload = &AIResponse{}
	case TypeSystemBroadcast:
		payload = &SystemBroadcast{}
	case TypeNotification:
		payload = &Notification{}
	case TypeError:
		payload = &ServerError{}
	case TypeHeartbeat:
		payload = &Heartbeat{}
	default:
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}

	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
		}
	}
	return payload, nil
}
