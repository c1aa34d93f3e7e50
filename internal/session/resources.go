package session

import "github.com/p-blackswan/sessionagent/internal/toolmap"

// linkTypeOf maps a toolmap.ResourceType onto this package's LinkType; the
// two enums name the same three slots.
func linkTypeOf(rt toolmap.ResourceType) LinkType { return LinkType(rt) }

// Snapshot builds the GET_SESSION response for key: one entry per populated
// link slot plus the sequence number used for UPDATE_SESSION's optimistic
// lock. A session holds at most one link per type, so each
// of Issues/PRs/Docs is a 0- or 1-element slice and Active always names
// that same single link.
func (s *Store) Snapshot(key string) (toolmap.SessionResourceSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return toolmap.SessionResourceSnapshot{}, false
	}
	return snapshotLocked(sess), true
}

func snapshotLocked(sess *Session) toolmap.SessionResourceSnapshot {
	snap := toolmap.SessionResourceSnapshot{
		Active:   make(map[toolmap.ResourceType]string),
		Sequence: sess.ResourceSequence,
	}
	for _, lt := range []LinkType{LinkIssue, LinkPR, LinkDoc} {
		link, ok := sess.Links[lt]
		if !ok {
			continue
		}
		rl := toolmap.ResourceLink{URL: link.URL, Type: toolmap.ResourceType(lt), Provider: link.Provider, Label: link.Label}
		switch lt {
		case LinkIssue:
			snap.Issues = append(snap.Issues, rl)
		case LinkPR:
			snap.PRs = append(snap.PRs, rl)
		case LinkDoc:
			snap.Docs = append(snap.Docs, rl)
		}
		snap.Active[toolmap.ResourceType(lt)] = link.URL
	}
	return snap
}

// ApplyResourceOperations implements UPDATE_SESSION: validates
// the optimistic ExpectedSequence, applies every operation, and increments
// the sequence by exactly one total regardless of operation count. On a
// sequence mismatch nothing is mutated. "remove" clears the slot's link;
// "add" and "set_active" both replace it, since only one link per type is
// ever held.
func (s *Store) ApplyResourceOperations(key string, req toolmap.UpdateSessionRequest) (toolmap.Envelope, toolmap.SessionResourceSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return toolmap.Fail(toolmap.ErrContextError, "session not found", key), toolmap.SessionResourceSnapshot{}
	}

	if req.ExpectedSequence != nil && *req.ExpectedSequence != sess.ResourceSequence {
		return toolmap.Fail(toolmap.ErrSequenceMismatch, "expectedSequence does not match current sequence", ""), snapshotLocked(sess)
	}

	if len(req.Operations) == 0 {
		return toolmap.Fail(toolmap.ErrInvalidArgs, "operations must be non-empty", ""), snapshotLocked(sess)
	}

	for _, op := range req.Operations {
		lt := linkTypeOf(op.ResourceType)
		switch op.ResourceType {
		case toolmap.ResourceIssue, toolmap.ResourcePR, toolmap.ResourceDoc:
		default:
			return toolmap.Fail(toolmap.ErrInvalidOperation, "unknown resourceType", string(op.ResourceType)), snapshotLocked(sess)
		}

		switch op.Action {
		case toolmap.OpAdd, toolmap.OpSetActive:
			if op.Link == nil {
				return toolmap.Fail(toolmap.ErrInvalidArgs, "link is required for add/set_active", ""), snapshotLocked(sess)
			}
			sess.Links[lt] = Link{URL: op.Link.URL, Type: lt, Provider: op.Link.Provider, Label: op.Link.Label}
		case toolmap.OpRemove:
			delete(sess.Links, lt)
		default:
			return toolmap.Fail(toolmap.ErrInvalidOperation, "unknown action", string(op.Action)), snapshotLocked(sess)
		}
	}

	sess.ResourceSequence++
	return toolmap.Ok(), snapshotLocked(sess)
}
