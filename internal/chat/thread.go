package chat

import (
	"context"
	"errors"
	"sort"

	"parley/server/internal/store"
)

// ThreadMessage is one reply in an assembled thread, annotated with its
// depth below the root (root children are depth 1).
type ThreadMessage struct {
	store.Message
	Depth int `json:"depth"`
}

// Thread is a reply tree rooted at the oldest ancestor of the requested
// message. Replies exclude the root itself.
type Thread struct {
	Root         store.Message   `json:"root"`
	Replies      []ThreadMessage `json:"replies"`
	TotalReplies int             `json:"total_replies"`
}

// Thread assembles the full thread containing messageID: it walks reply_to
// links up to the root, then collects all descendants breadth-first with
// depth annotations. A visited set guards against reply cycles in stored
// data, and MaxThreadDepth bounds the walk.
func (e *Engine) Thread(ctx context.Context, roomID, messageID string) (Thread, error) {
	cur, err := e.store.GetMessage(ctx, roomID, messageID)
	if err != nil {
		return Thread{}, err
	}

	// Ascend to the root. Dangling reply_to links (parent deleted) make the
	// current message the effective root.
	visited := map[string]bool{cur.ID: true}
	root := cur
	for root.ReplyTo != nil {
		parent, err := e.store.GetMessage(ctx, roomID, *root.ReplyTo)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return Thread{}, err
		}
		if visited[parent.ID] {
			break
		}
		visited[parent.ID] = true
		root = parent
	}

	// Descend breadth-first, depth-annotated. The root itself is not a reply.
	out := []ThreadMessage{}
	seen := map[string]bool{root.ID: true}
	frontier := []ThreadMessage{{Message: root, Depth: 0}}
	for depth := 1; depth <= MaxThreadDepth && len(frontier) > 0; depth++ {
		var next []ThreadMessage
		for _, parent := range frontier {
			replies, err := e.store.RepliesTo(ctx, roomID, parent.ID)
			if err != nil {
				return Thread{}, err
			}
			for _, r := range replies {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				tm := ThreadMessage{Message: r, Depth: depth}
				out = append(out, tm)
				next = append(next, tm)
			}
		}
		frontier = next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return Thread{Root: root, Replies: out, TotalReplies: len(out)}, nil
}
