package protocol

import "fmt"

// LockKey identifies a lock within a session's active set. Document locks
// claim the whole resource; range locks on the same resource coexist under
// distinct keys as long as their ranges do not overlap.
func LockKey(l Lock) string {
	if l.LockType == LockRange && l.StartPosition != nil && l.EndPosition != nil {
		return fmt.Sprintf("%s:%d-%d", l.ResourceID, *l.StartPosition, *l.EndPosition)
	}
	return l.ResourceID
}

// Overlaps reports whether two locks conflict. A document lock conflicts with
// everything on its resource; range locks conflict when their intervals
// intersect.
func Overlaps(a, b Lock) bool {
	if a.ResourceID != b.ResourceID {
		return false
	}
	if a.LockType == LockDocument || b.LockType == LockDocument {
		return true
	}
	if a.StartPosition == nil || a.EndPosition == nil || b.StartPosition == nil || b.EndPosition == nil {
		return true
	}
	return *a.StartPosition < *b.EndPosition && *b.StartPosition < *a.EndPosition
}
