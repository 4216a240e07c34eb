package pipeline

import "fmt"

// orphanRootID labels the fallback chunk holding comments whose declared
// parent is missing from the thread.
const orphanRootID = "orphans"

// Partition splits a post's comment tree into bounded, ordered chunks. It is
// pure and deterministic: identical input yields identical chunks.
//
// Each top-level comment and its descendant subtree forms one candidate
// group in parent-before-child order. Groups larger than maxChunkSize are
// split into consecutive sub-chunks along the same ordering, so a node is
// never placed before its parent. Comments whose parent is missing are
// gathered, together with their own descendants, into a fallback orphan
// group instead of being dropped. When
// includePost is set, the post body rides as member zero of the first chunk
// and occupies one slot of its budget.
//
// The result is a strict cover: every input comment appears in exactly one
// chunk.
func Partition(post Post, comments []Comment, maxChunkSize int, includePost bool) []Chunk {
	if maxChunkSize < 1 {
		maxChunkSize = 1
	}

	present := make(map[string]struct{}, len(comments))
	for _, c := range comments {
		present[c.ID] = struct{}{}
	}

	// children preserves input order, which makes the walk stable.
	children := make(map[string][]Comment, len(comments))
	var roots []Comment
	var orphans []Comment
	for _, c := range comments {
		if c.ParentID == "" || c.ParentID == post.ID {
			roots = append(roots, c)
			continue
		}
		if _, ok := present[c.ParentID]; ok {
			children[c.ParentID] = append(children[c.ParentID], c)
			continue
		}
		orphans = append(orphans, c)
	}

	var chunks []Chunk
	emit := func(rootID string, group []Comment) {
		chunks = appendGroup(chunks, post.ID, rootID, group, maxChunkSize, includePost)
	}

	for _, root := range roots {
		emit(root.ID, flattenSubtree(root, children))
	}
	if len(orphans) > 0 {
		// An orphan's children have a present parent and were indexed above,
		// so each orphan is walked as a root of its own subtree.
		var group []Comment
		for _, o := range orphans {
			group = append(group, flattenSubtree(o, children)...)
		}
		emit(orphanRootID, group)
	}

	if len(chunks) == 0 && includePost {
		chunks = append(chunks, Chunk{
			ID:          chunkID(post.ID, 0),
			RootID:      post.ID,
			IncludePost: true,
		})
	}
	return chunks
}

// flattenSubtree returns the root and all descendants in parent-before-child
// order using an explicit stack, so deep threads cannot overflow the call
// stack.
func flattenSubtree(root Comment, children map[string][]Comment) []Comment {
	out := make([]Comment, 0, 1+len(children[root.ID]))
	stack := []Comment{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, node)
		kids := children[node.ID]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

func appendGroup(chunks []Chunk, postID, rootID string, group []Comment, maxChunkSize int, includePost bool) []Chunk {
	for len(group) > 0 {
		budget := maxChunkSize
		first := len(chunks) == 0 && includePost
		if first && budget > 1 {
			budget--
		}
		n := budget
		if n > len(group) {
			n = len(group)
		}
		chunks = append(chunks, Chunk{
			ID:          chunkID(postID, len(chunks)),
			RootID:      rootID,
			Members:     append([]Comment(nil), group[:n]...),
			IncludePost: first,
		})
		group = group[n:]
	}
	return chunks
}

func chunkID(postID string, index int) string {
	return fmt.Sprintf("%s:%d", postID, index)
}
