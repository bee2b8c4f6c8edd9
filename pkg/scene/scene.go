// Package scene implements the LCRS scene-tree state machine: the single
// source of truth for tree shape and node properties. Every exported method
// is a deterministic, single-threaded applier of one SceneOp; callers are
// responsible for serializing access per shard.
package scene

import (
	"fmt"

	"github.com/cuemby/scenemesh/pkg/types"
)

// slot is one arena entry. A tombstone slot (live == false) represents a
// node id that exists in the address space but is not owned by this shard,
// or has been removed.
type slot struct {
	node *types.SceneNode
	live bool
}

// State is the arena-indexed node table backing one shard's (or one
// replica's) view of the scene. A single writer owns it (the applier loop
// for that shard), with many concurrent readers permitted by callers that
// take their own snapshot.
type State struct {
	slots map[types.NodeID]*slot
}

// New returns an empty scene state.
func New() *State {
	return &State{slots: make(map[types.NodeID]*slot)}
}

// Get returns the node at id and whether it is live.
func (s *State) Get(id types.NodeID) (*types.SceneNode, bool) {
	sl, ok := s.slots[id]
	if !ok || !sl.live {
		return nil, false
	}
	return sl.node, true
}

// Exists reports whether id names a live node.
func (s *State) Exists(id types.NodeID) bool {
	_, ok := s.Get(id)
	return ok
}

func (s *State) set(id types.NodeID, n *types.SceneNode) {
	s.slots[id] = &slot{node: n, live: true}
}

func (s *State) clear(id types.NodeID) {
	delete(s.slots, id)
}

// Snapshot returns a deep copy of the live node set, keyed by id. Used for
// state_transfer payloads and recovery idempotence checks.
func (s *State) Snapshot() map[types.NodeID]*types.SceneNode {
	out := make(map[types.NodeID]*types.SceneNode, len(s.slots))
	for id, sl := range s.slots {
		if sl.live {
			out[id] = sl.node.Clone()
		}
	}
	return out
}

// Install replaces the slot for id wholesale with state. This is the
// authoritative write used by state_transfer during shard migration; the
// delivered state supersedes whatever the slot held before.
func (s *State) Install(id types.NodeID, state *types.SceneNode) {
	s.set(id, state.Clone())
}

// Remove deletes id's slot outright, used by shard_remove.
func (s *State) Remove(id types.NodeID) {
	s.clear(id)
}

// Apply dispatches a single SceneOp to the appropriate handler. It returns
// an error only for malformed input that the conflict detector and
// coordinator could not have prevented; invalid-but-well-formed ops
// such as an out-of-range move_child are no-ops, not errors.
func (s *State) Apply(op types.SceneOp) error {
	switch op.Kind {
	case types.OpAddChild:
		return s.addChild(op.Target, op.NewNode, op.Properties)
	case types.OpAddSibling:
		return s.addSibling(op.Target, op.NewNode, op.Properties)
	case types.OpRemoveNode:
		return s.removeNode(op.Node)
	case types.OpSetProperty:
		return s.setProperty(op.Node, op.Key, op.Value)
	case types.OpMoveSubtree:
		return s.moveSubtree(op.Node, op.NewParent, op.NewSibling)
	case types.OpMoveChild:
		s.moveChild(op.Parent, op.ChildNode, op.ToIndex)
		return nil
	case types.OpBatchUpdate:
		for _, u := range op.Updates {
			if err := s.setProperty(u.Node, u.Key, u.Value); err != nil {
				return err
			}
		}
		return nil
	case types.OpBatchStructure:
		for _, sub := range op.StructureOps {
			// An invalid nested structural op is a no-op, matching
			// top-level policy, so errors surface only for truly
			// malformed references.
			if err := s.Apply(sub); err != nil {
				return err
			}
		}
		return nil
	case types.OpMoveShard:
		return fmt.Errorf("scene: move_shard must be decomposed by the coordinator, not applied directly")
	default:
		return fmt.Errorf("scene: unknown op kind %d", op.Kind)
	}
}

func (s *State) addChild(target, newNode types.NodeID, props types.Properties) error {
	if target == types.NullNode {
		if s.Exists(newNode) {
			return fmt.Errorf("scene: add_child root creation on existing node %d", newNode)
		}
		s.set(newNode, &types.SceneNode{Properties: props.Clone()})
		return nil
	}

	parent, ok := s.Get(target)
	if !ok {
		return fmt.Errorf("scene: add_child target %d does not exist", target)
	}

	s.set(newNode, &types.SceneNode{
		RightSibling: parent.LeftChild,
		Properties:   props.Clone(),
	})
	parent.LeftChild = newNode
	return nil
}

func (s *State) addSibling(target, newNode types.NodeID, props types.Properties) error {
	sib, ok := s.Get(target)
	if !ok {
		return fmt.Errorf("scene: add_sibling target %d does not exist", target)
	}

	s.set(newNode, &types.SceneNode{
		RightSibling: sib.RightSibling,
		Properties:   props.Clone(),
	})
	sib.RightSibling = newNode
	return nil
}

// removeNode deletes node and every descendant reachable via
// LeftChild/RightSibling, then clears any surviving pointer into the
// removed set.
func (s *State) removeNode(node types.NodeID) error {
	if !s.Exists(node) {
		return fmt.Errorf("scene: remove_node on nonexistent node %d", node)
	}

	doomed := Descendants(s, node)
	doomed[node] = struct{}{}

	for id, sl := range s.slots {
		if !sl.live {
			continue
		}
		if _, gone := doomed[id]; gone {
			continue
		}
		if _, gone := doomed[sl.node.LeftChild]; gone {
			sl.node.LeftChild = types.NullNode
		}
		if _, gone := doomed[sl.node.RightSibling]; gone {
			sl.node.RightSibling = types.NullNode
		}
	}

	for id := range doomed {
		s.clear(id)
	}
	return nil
}

func (s *State) setProperty(node types.NodeID, key, value string) error {
	n, ok := s.Get(node)
	if !ok {
		return fmt.Errorf("scene: set_property on nonexistent node %d", node)
	}
	if n.Properties == nil {
		n.Properties = make(types.Properties)
	}
	n.Properties[key] = value
	return nil
}

// detach clears whichever of a parent's LeftChild/RightSibling references
// child, splicing child's former RightSibling into its place so the chain
// stays contiguous.
func (s *State) detach(child types.NodeID) {
	for _, sl := range s.slots {
		if !sl.live {
			continue
		}
		n := sl.node
		if n.LeftChild == child {
			if cn, ok := s.Get(child); ok {
				n.LeftChild = cn.RightSibling
			}
			return
		}
		if n.RightSibling == child {
			if cn, ok := s.Get(child); ok {
				n.RightSibling = cn.RightSibling
			}
			return
		}
	}
}

func (s *State) moveSubtree(node, newParent, newSibling types.NodeID) error {
	if !s.Exists(node) {
		return fmt.Errorf("scene: move_subtree on nonexistent node %d", node)
	}

	s.detach(node)

	n, _ := s.Get(node)
	if newSibling != types.NullNode {
		sib, ok := s.Get(newSibling)
		if !ok {
			return fmt.Errorf("scene: move_subtree new_sibling %d does not exist", newSibling)
		}
		n.RightSibling = sib.RightSibling
		sib.RightSibling = node
		return nil
	}

	if newParent == types.NullNode {
		n.RightSibling = types.NullNode
		return nil
	}

	parent, ok := s.Get(newParent)
	if !ok {
		return fmt.Errorf("scene: move_subtree new_parent %d does not exist", newParent)
	}
	n.RightSibling = parent.LeftChild
	parent.LeftChild = node
	return nil
}

// moveChild rebuilds parent's ordered children so childNode sits at index
// i = toIndex (negative counts from the end). Out-of-range indices or a
// childNode that is not currently a child are no-ops.
func (s *State) moveChild(parent, childNode types.NodeID, toIndex int) {
	children := OrderedChildren(s, parent)

	pos := -1
	for i, c := range children {
		if c == childNode {
			pos = i
			break
		}
	}
	if pos == -1 {
		return
	}

	i := toIndex
	if i < 0 {
		i = len(children) + i
	}
	if i < 0 || i >= len(children) {
		return
	}

	filtered := make([]types.NodeID, 0, len(children)-1)
	for _, c := range children {
		if c != childNode {
			filtered = append(filtered, c)
		}
	}

	reordered := make([]types.NodeID, 0, len(children))
	reordered = append(reordered, filtered[:i]...)
	reordered = append(reordered, childNode)
	reordered = append(reordered, filtered[i:]...)

	s.relink(parent, reordered)
}

// relink rewrites parent.LeftChild and every involved RightSibling so the
// chain matches order exactly.
func (s *State) relink(parent types.NodeID, order []types.NodeID) {
	p, ok := s.Get(parent)
	if !ok {
		return
	}
	if len(order) == 0 {
		p.LeftChild = types.NullNode
		return
	}
	p.LeftChild = order[0]
	for i, c := range order {
		n, ok := s.Get(c)
		if !ok {
			continue
		}
		if i+1 < len(order) {
			n.RightSibling = order[i+1]
		} else {
			n.RightSibling = types.NullNode
		}
	}
}

// OrderedChildren returns the ordered children of p by walking LeftChild
// then chaining RightSibling until NullNode.
func OrderedChildren(s *State, p types.NodeID) []types.NodeID {
	parent, ok := s.Get(p)
	if !ok {
		return nil
	}

	var out []types.NodeID
	seen := make(map[types.NodeID]struct{})
	for c := parent.LeftChild; c != types.NullNode; {
		if _, dup := seen[c]; dup {
			break // broken chain; never loop forever
		}
		seen[c] = struct{}{}
		out = append(out, c)
		n, ok := s.Get(c)
		if !ok {
			break
		}
		c = n.RightSibling
	}
	return out
}

// Descendants returns the set of nodes reachable from root via
// LeftChild/RightSibling, root excluded, using an explicit work-list so the
// traversal never recurses and is directly reusable by the conflict
// detector.
func Descendants(s *State, root types.NodeID) map[types.NodeID]struct{} {
	out := make(map[types.NodeID]struct{})
	work := []types.NodeID{root}

	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]

		if !s.Exists(id) {
			continue
		}
		for _, child := range OrderedChildren(s, id) {
			if _, visited := out[child]; visited {
				continue
			}
			out[child] = struct{}{}
			work = append(work, child)
		}
	}
	return out
}

// IsDescendant reports whether target is in the descendant closure of root
// (root itself does not count).
func IsDescendant(s *State, root, target types.NodeID) bool {
	_, ok := Descendants(s, root)[target]
	return ok
}

// Parent returns the unique node whose ordered children include target, if
// any live node in s names it. Used by shard migration to locate the
// detach/reattach point before restructuring; when the parent's
// family spans a shard boundary, the caller falls back to the coordinator's
// shard-aware walk instead.
func Parent(s *State, target types.NodeID) (types.NodeID, bool) {
	for id, sl := range s.slots {
		if !sl.live || id == target {
			continue
		}
		for _, c := range OrderedChildren(s, id) {
			if c == target {
				return id, true
			}
		}
	}
	return types.NullNode, false
}

// Detach clears whichever live node's LeftChild/RightSibling field
// references child, splicing child's former RightSibling into its place so
// the chain stays contiguous. A no-op if child's family is not held
// locally (e.g. the parent lives on a different shard). Used by shard
// migration's detach_child step.
func (s *State) Detach(child types.NodeID) {
	s.detach(child)
}

// AttachChild inserts child as a live child of parent at position (clamped
// to the valid range), rewriting LeftChild and the RightSibling chain so
// the result matches the saved order. parent == NullNode installs child as
// a standalone root. A no-op if parent is not held locally. Used by shard
// migration's attach_child step.
func (s *State) AttachChild(parent, child types.NodeID, position int) {
	if parent == types.NullNode {
		if n, ok := s.Get(child); ok {
			n.RightSibling = types.NullNode
		}
		return
	}
	if !s.Exists(parent) {
		return
	}

	children := OrderedChildren(s, parent)
	i := position
	if i < 0 {
		i = 0
	}
	if i > len(children) {
		i = len(children)
	}

	reordered := make([]types.NodeID, 0, len(children)+1)
	reordered = append(reordered, children[:i]...)
	reordered = append(reordered, child)
	reordered = append(reordered, children[i:]...)
	s.relink(parent, reordered)
}

// Root returns the unique root of the live node set, if any. A tree with
// zero or more than one root is invalid; this helper
// reports the zero value and false in that case rather than panicking, so
// validators can report the violation precisely.
func Root(s *State) (types.NodeID, bool) {
	referenced := make(map[types.NodeID]struct{})
	for _, sl := range s.slots {
		if !sl.live {
			continue
		}
		if sl.node.LeftChild != types.NullNode {
			referenced[sl.node.LeftChild] = struct{}{}
		}
		if sl.node.RightSibling != types.NullNode {
			referenced[sl.node.RightSibling] = struct{}{}
		}
	}

	var root types.NodeID
	count := 0
	for id, sl := range s.slots {
		if !sl.live {
			continue
		}
		if _, ref := referenced[id]; !ref {
			root = id
			count++
		}
	}
	if count != 1 {
		return types.NullNode, false
	}
	return root, true
}

// IsValidLCRSTree checks the tree invariants: exactly one root,
// single-parent per node, full reachability, and cardinality match between
// the live set and the reachable set.
func IsValidLCRSTree(s *State) error {
	liveCount := 0
	for _, sl := range s.slots {
		if sl.live {
			liveCount++
		}
	}
	if liveCount == 0 {
		return nil
	}

	root, ok := Root(s)
	if !ok {
		return fmt.Errorf("scene: tree does not have exactly one root")
	}

	references := make(map[types.NodeID]int)
	for _, sl := range s.slots {
		if !sl.live {
			continue
		}
		if sl.node.LeftChild != types.NullNode {
			references[sl.node.LeftChild]++
		}
		if sl.node.RightSibling != types.NullNode {
			references[sl.node.RightSibling]++
		}
	}
	for id, n := range references {
		if n > 1 {
			return fmt.Errorf("scene: node %d referenced %d times, expected at most 1", id, n)
		}
	}

	reachable := Descendants(s, root)
	reachable[root] = struct{}{}
	if len(reachable) != liveCount {
		return fmt.Errorf("scene: reachable set has %d nodes, live set has %d (orphans or cycle)", len(reachable), liveCount)
	}

	return nil
}
