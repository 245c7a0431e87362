package protocol

import (
	"encoding/json"
	"time"
)

// MessageType is the closed set of envelope types carried on a collaboration
// connection. Decode switches over every member, so an unhandled type is a
// compile-time hole rather than a silent drop.
type MessageType string

const (
	// Server -> client.
	TypeCollaborationState MessageType = "collaboration_state"
	TypeUserJoin           MessageType = "user_join"
	TypeUserLeave          MessageType = "user_leave"
	TypeLockGranted        MessageType = "lock_granted"
	TypeLockDenied         MessageType = "lock_denied"
	TypeAIAssistantReady   MessageType = "ai_assistant_ready"
	TypeAIThinking         MessageType = "ai_thinking"
	TypeAIResponse         MessageType = "ai_response"
	TypeSystemBroadcast    MessageType = "system_broadcast"
	TypeNotification       MessageType = "notification"
	TypeError              MessageType = "error"

	// Client -> server.
	TypeAIQuery MessageType = "ai_query"

	// Both directions.
	TypeDocumentEdit   MessageType = "document_edit"
	TypeCursorPosition MessageType = "cursor_position"
	TypeUserTyping     MessageType = "user_typing"
	TypeDocumentLock   MessageType = "document_lock"
	TypeDocumentUnlock MessageType = "document_unlock"
	TypeHeartbeat      MessageType = "heartbeat"
)

func KnownMessageType(t MessageType) bool {
	switch t {
	case TypeCollaborationState, TypeUserJoin, TypeUserLeave,
		TypeDocumentEdit, TypeCursorPosition, TypeUserTyping,
		TypeDocumentLock, TypeDocumentUnlock, TypeLockGranted, TypeLockDenied,
		TypeAIAssistantReady, TypeAIQuery, TypeAIThinking, TypeAIResponse,
		TypeSystemBroadcast, TypeNotification, TypeError, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// Envelope is the wire format for every message, both directions.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type OperationType string

const (
	OpInsert  OperationType = "insert"
	OpDelete  OperationType = "delete"
	OpReplace OperationType = "replace"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpInsert, OpDelete, OpReplace:
		return true
	default:
		return false
	}
}

// DocumentOperation is a raw positional edit. Operations are immutable once
// created; they are applied or dropped, never rewritten.
type DocumentOperation struct {
	OperationID   string        `json:"operation_id"`
	OperationType OperationType `json:"operation_type"`
	Position      int           `json:"position"`
	Length        int           `json:"length,omitempty"`
	Content       string        `json:"content,omitempty"`
	UserID        string        `json:"user_id"`
	Timestamp     time.Time     `json:"timestamp"`
}

type PresenceStatus string

const (
	StatusActive PresenceStatus = "active"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

type CollaboratorPresence struct {
	UserID         string         `json:"user_id"`
	Status         PresenceStatus `json:"status"`
	CursorPosition *int           `json:"cursor_position,omitempty"`
	LastActivity   time.Time      `json:"last_activity"`
}

type LockType string

const (
	LockRange    LockType = "range"
	LockDocument LockType = "document"
)

type Lock struct {
	ResourceID    string    `json:"resource_id"`
	LockType      LockType  `json:"lock_type"`
	StartPosition *int      `json:"start_position,omitempty"`
	EndPosition   *int      `json:"end_position,omitempty"`
	UserID        string    `json:"user_id"`
	AcquiredAt    time.Time `json:"acquired_at,omitempty"`
}

// StateSnapshot is sent to a joining connection before any broadcast reaches
// it, so the joiner never observes a delta without its base.
type StateSnapshot struct {
	Participants map[string]CollaboratorPresence `json:"participants"`
	ActiveLocks  map[string]Lock                 `json:"active_locks"`
	SharedState  json.RawMessage                 `json:"shared_state,omitempty"`
}

type UserJoin struct {
	UserID string `json:"user_id"`
}

type UserLeave struct {
	UserID string `json:"user_id"`
}

type CursorPosition struct {
	UserID   string `json:"user_id"`
	Position int    `json:"position"`
}

type UserTyping struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type LockRelease struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
}

type LockDenied struct {
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
	Reason     string `json:"reason,omitempty"`
}

type AIAssistantReady struct {
	AssistantID string `json:"assistant_id,omitempty"`
}

type AIQuery struct {
	Query          string         `json:"query"`
	Context        map[string]any `json:"context,omitempty"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id,omitempty"`
}

type AIThinking struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

type AgentAssignment struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task"`
}

type AIResponse struct {
	ConversationID   string            `json:"conversation_id,omitempty"`
	Response         string            `json:"response"`
	AgentAssignments []AgentAssignment `json:"agent_assignments,omitempty"`
}

type SystemBroadcast struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

type Notification struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}
