// Package storage persists AI conversation transcripts as append-only
// JSONL files, one file per conversation.
package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrTranscriptWrite       = errors.New("failed to write transcript")
	ErrSymlinkNotAllowed     = errors.New("symlinks not allowed for transcript files")
)

var conversationIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateConversationID(id string) error {
	if !conversationIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidConversationID, id)
	}
	return nil
}

// Turn is one persisted entry of a conversation transcript.
type Turn struct {
	Sequence  int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TurnType  string    `json:"turn_type"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
}

// TranscriptCorruptionError reports unreadable lines found while
// replaying a transcript. The readable turns are still returned.
type TranscriptCorruptionError struct {
	ConversationID string
	CorruptLines   int
}

func (e *TranscriptCorruptionError) Error() string {
	return fmt.Sprintf("transcript for %s has %d corrupt line(s)", e.ConversationID, e.CorruptLines)
}

type TranscriptStore struct {
	baseDir string

	mu   sync.Mutex
	seqs map[string]int64
}

func NewTranscriptStore(baseDir string) (*TranscriptStore, error) {
	dir := filepath.Join(baseDir, "conversations")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	// Verify permissions if it already existed
	if info, err := os.Stat(dir); err == nil {
		if info.Mode().Perm()&0o077 != 0 {
			_ = os.Chmod(dir, 0o700)
		}
	}

	return &TranscriptStore{
		baseDir: baseDir,
		seqs:    make(map[string]int64),
	}, nil
}

func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".collabmesh"
	}
	return filepath.Join(home, ".collabmesh")
}

func (s *TranscriptStore) transcriptPath(id string) string {
	return filepath.Join(s.baseDir, "conversations", id+".jsonl")
}

// AppendConversationTurn appends one turn to the conversation's JSONL
// file, creating the file on first use.
func (s *TranscriptStore) AppendConversationTurn(conversationID, turnType, userID, content string, timestamp time.Time) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextSequenceLocked(conversationID)
	if err != nil {
		return err
	}

	turn := Turn{
		Sequence:  seq,
		Timestamp: timestamp,
		TurnType:  turnType,
		UserID:    userID,
		Content:   content,
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript turn: %w", err)
	}

	f, err := os.OpenFile(s.transcriptPath(conversationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscriptWrite, err)
	}

	s.seqs[conversationID] = seq
	return nil
}

// ReadConversation replays a transcript in sequence order. Corrupt
// lines are skipped and reported alongside the readable turns.
func (s *TranscriptStore) ReadConversation(conversationID string) ([]Turn, error) {
	if err := validateConversationID(conversationID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.transcriptPath(conversationID)
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlinkNotAllowed, conversationID)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	turns := make([]Turn, 0)
	corruptLines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			corruptLines++
			continue
		}
		if turn.Sequence <= 0 || turn.Timestamp.IsZero() {
			corruptLines++
			continue
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if corruptLines > 0 {
		return turns, &TranscriptCorruptionError{ConversationID: conversationID, CorruptLines: corruptLines}
	}
	return turns, nil
}

// ListConversations returns the IDs with a transcript on disk.
func (s *TranscriptStore) ListConversations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, "conversations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(name, ".jsonl")
		if validateConversationID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *TranscriptStore) nextSequenceLocked(conversationID string) (int64, error) {
	if seq, ok := s.seqs[conversationID]; ok {
		return seq + 1, nil
	}

	file, err := os.Open(s.transcriptPath(conversationID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var maxSeq int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var turn Turn
		if err := json.Unmarshal([]byte(line), &turn); err != nil {
			continue
		}
		if turn.Sequence > maxSeq {
			maxSeq = turn.Sequence
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}
