package article

import "marginalia/api/internal/store"

type TreeNode struct {
	ID       string      `json:"id"`
	Title    string      `json:"title"`
	Children []*TreeNode `json:"children,omitempty"`
}

// BuildTree nests the descendants of rootID. Input order is arbitrary: every
// node is created first and linked to its immediate parent afterwards, so a
// child listed before its parent still lands in the right place. A node whose
// immediate parent is missing from the set is dropped together with its
// subtree. Sibling order follows input order.
func BuildTree(rootID string, descendants []store.Article) []*TreeNode {
	nodes := make(map[string]*TreeNode, len(descendants))
	for _, a := range descendants {
		if a.ID == rootID {
			continue
		}
		nodes[a.ID] = &TreeNode{ID: a.ID, Title: a.Title}
	}

	top := make([]*TreeNode, 0)
	for _, a := range descendants {
		node, ok := nodes[a.ID]
		if !ok {
			continue
		}
		parentID := a.ParentID()
		if parentID == rootID {
			top = append(top, node)
			continue
		}
		if parent, ok := nodes[parentID]; ok {
			parent.Children = append(parent.Children, node)
		}
	}
	return top
}

// Flatten lists node ids in pre-order.
func Flatten(nodes []*TreeNode) []string {
	ids := make([]string, 0)
	var walk func([]*TreeNode)
	walk = func(level []*TreeNode) {
		for _, node := range level {
			ids = append(ids, node.ID)
			walk(node.Children)
		}
	}
	walk(nodes)
	return ids
}
