package article

import "marginalia/api/internal/store"

type DeletionPlan struct {
	ArticleID string
	// ParentID is where a client should navigate afterwards: the immediate
	// parent, or the article itself when it is the root.
	ParentID  string
	DeleteIDs []string
}

// PlanDeletion refuses when any descendant exists and force is off. Any
// transitive descendant counts, not only immediate children.
func PlanDeletion(target store.Article, descendants []store.Article, force bool) (DeletionPlan, error) {
	blocking := make([]string, 0, len(descendants))
	for _, a := range descendants {
		if a.ID != target.ID {
			blocking = append(blocking, a.ID)
		}
	}
	if len(blocking) > 0 && !force {
		return DeletionPlan{}, ErrHasChildren
	}

	parentID := target.ParentID()
	if parentID == "" {
		parentID = target.ID
	}

	ids := []string{target.ID}
	if force {
		ids = append(ids, blocking...)
	}
	return DeletionPlan{ArticleID: target.ID, ParentID: parentID, DeleteIDs: ids}, nil
}
