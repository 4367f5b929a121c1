package article

import (
	"slices"

	"marginalia/api/internal/store"
)

// ChainUnder is the chain a direct child of parent carries.
func ChainUnder(parent store.Article) []string {
	chain := make([]string, 0, len(parent.ParentChain)+1)
	chain = append(chain, parent.ParentChain...)
	return append(chain, parent.ID)
}

// ValidateReparent rejects moving target under itself or under one of its
// own descendants, which would close a cycle.
func ValidateReparent(target, newParent store.Article) error {
	if newParent.ID == target.ID || slices.Contains(newParent.ParentChain, target.ID) {
		return ErrInvalidParent
	}
	return nil
}

// RebaseChains computes the new chain of target and of every descendant once
// target moves under newParent. The prefix up to and including target is
// replaced; the part below target is kept.
func RebaseChains(target, newParent store.Article, descendants []store.Article) map[string][]string {
	newChain := ChainUnder(newParent)
	chains := map[string][]string{target.ID: newChain}

	for _, a := range descendants {
		idx := slices.Index(a.ParentChain, target.ID)
		if idx < 0 || a.ID == target.ID {
			continue
		}
		rebased := make([]string, 0, len(newChain)+len(a.ParentChain)-idx)
		rebased = append(rebased, newChain...)
		rebased = append(rebased, a.ParentChain[idx:]...)
		chains[a.ID] = rebased
	}
	return chains
}

// ToggleRelated adds or removes toID in ids. Adding is idempotent and the
// input slice is never modified.
func ToggleRelated(ids []string, toID string, link bool) []string {
	out := make([]string, 0, len(ids)+1)
	present := false
	for _, id := range ids {
		if id == toID {
			present = true
			if !link {
				continue
			}
		}
		out = append(out, id)
	}
	if link && !present {
		out = append(out, toID)
	}
	return out
}
