package streamtable

// reparent moves s under newParent with the given weight. If exclusive is
// true, s becomes the sole child of newParent and newParent's former
// children become s's children (RFC 7540 §5.3.1 exclusive reprioritization).
//
// Callers must hold t.mu.
func (t *StreamTable) reparent(s *Stream, newParentID uint32, weight uint8, exclusive bool) {
	s.mu.Lock()
	oldParentID := s.parentID
	s.mu.Unlock()

	if old := t.streams[oldParentID]; old != nil {
		old.mu.Lock()
		delete(old.children, s.ID)
		old.mu.Unlock()
	}

	var stolen []uint32
	if exclusive {
		if parent := t.streams[newParentID]; parent != nil {
			parent.mu.Lock()
			for child := range parent.children {
				if child != s.ID {
					stolen = append(stolen, child)
				}
			}
			parent.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.parentID = newParentID
	s.weight = weight
	s.mu.Unlock()

	if parent := t.streams[newParentID]; parent != nil {
		parent.mu.Lock()
		if parent.children == nil {
			parent.children = make(map[uint32]struct{})
		}
		parent.children[s.ID] = struct{}{}
		for _, childID := range stolen {
			delete(parent.children, childID)
		}
		parent.mu.Unlock()
	}

	for _, childID := range stolen {
		if child := t.streams[childID]; child != nil {
			child.mu.Lock()
			child.parentID = s.ID
			child.mu.Unlock()
			s.mu.Lock()
			if s.children == nil {
				s.children = make(map[uint32]struct{})
			}
			s.children[childID] = struct{}{}
			s.mu.Unlock()
		}
	}
}

// Children returns a snapshot of s's child stream ids.
func (s *Stream) Children() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.children))
	for id := range s.children {
		out = append(out, id)
	}
	return out
}

// hasChildren reports whether s still has children in the priority tree;
// a stream with children must not be pruned even if closed, since removing
// it would orphan its subtree's weighting.
func (s *Stream) hasChildren() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children) > 0
}
