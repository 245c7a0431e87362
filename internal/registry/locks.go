package registry

import (
	"time"

	"github.com/collabmesh/collabmesh/pkg/protocol"
)

// handleLockRequest arbitrates a lock: at most one document lock per resource,
// range locks only when non-overlapping. Grants are broadcast to everyone so
// all projections converge; denials go only to the requester.
func (s *Session) handleLockRequest(from *Participant, req protocol.Lock) {
	if req.UserID != from.userID {
		s.sendError(from, "lock user mismatch", "forbidden")
		return
	}
	if req.LockType == protocol.LockRange && (req.StartPosition == nil || req.EndPosition == nil) {
		s.deny(from, req, "range lock requires start and end positions")
		return
	}

	key := protocol.LockKey(req)
	for existingKey, existing := range s.locks {
		if existingKey == key && existing.UserID == req.UserID {
			// Re-request of a held lock; re-grant idempotently.
			s.fanOut(protocol.MustMarshal(protocol.TypeLockGranted, existing), nil)
			return
		}
		if protocol.Overlaps(existing, req) {
			s.deny(from, req, "conflicts with lock held by "+existing.UserID)
			return
		}
	}

	req.AcquiredAt = time.Now()
	s.locks[key] = req
	s.fanOut(protocol.MustMarshal(protocol.TypeLockGranted, req), nil)
}

func (s *Session) deny(to *Participant, req protocol.Lock, reason string) {
	to.queue(protocol.MustMarshal(protocol.TypeLockDenied, protocol.LockDenied{
		ResourceID: req.ResourceID,
		UserID:     req.UserID,
		Reason:     reason,
	}))
}

// handleLockRelease removes the requester's locks on the resource and
// broadcasts the release. Releasing a lock you do not hold is a no-op.
func (s *Session) handleLockRelease(from *Participant, rel protocol.LockRelease) {
	if rel.UserID != from.userID {
		s.sendError(from, "unlock user mismatch", "forbidden")
		return
	}
	removed := false
	for key, lock := range s.locks {
		if lock.ResourceID == rel.ResourceID && lock.UserID == rel.UserID {
			delete(s.locks, key)
			removed = true
		}
	}
	if removed {
		s.fanOut(protocol.MustMarshal(protocol.TypeDocumentUnlock, rel), nil)
	}
}

// releaseAllFor drops every lock held by the user, returning what was
// released. Used when a participant disconnects.
func (s *Session) releaseAllFor(userID string) []protocol.Lock {
	var released []protocol.Lock
	for key, lock := range s.locks {
		if lock.UserID == userID {
			delete(s.locks, key)
			released = append(released, lock)
		}
	}
	return released
}
