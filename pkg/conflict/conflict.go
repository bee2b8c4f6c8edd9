// Package conflict implements the deterministic conflict predicate consumed
// by the transaction coordinator while a candidate transaction is
// COMMITTING. It never mutates scene state; its only side effect is a
// metrics counter.
package conflict

import (
	"github.com/cuemby/scenemesh/pkg/metrics"
	"github.com/cuemby/scenemesh/pkg/scene"
	"github.com/cuemby/scenemesh/pkg/types"
)

// Conflicts reports whether a and b conflict under any of the four rules.
// s is the scene state the descendant-closure checks (rule 2) are evaluated
// against; the coordinator passes each participating shard's current scene
// state, not a snapshot taken when the other entry was committed.
func Conflicts(s *scene.State, a, b types.SceneOp) bool {
	return samePropertyWrite(a, b) ||
		treeMutationOverlap(s, a, b) ||
		sameMoveChildTarget(a, b) ||
		moveChildVersusInsert(a, b)
}

// samePropertyWrite is rule 1: both write the same property of the same
// node.
func samePropertyWrite(a, b types.SceneOp) bool {
	if a.Kind != types.OpSetProperty || b.Kind != types.OpSetProperty {
		return false
	}
	return a.Node == b.Node && a.Key == b.Key
}

func isTreeMutation(k types.OpKind) bool {
	return k == types.OpMoveSubtree || k == types.OpRemoveNode || k == types.OpMoveChild
}

// mutationSubject returns the node a tree-mutation op acts on.
func mutationSubject(op types.SceneOp) (types.NodeID, bool) {
	switch op.Kind {
	case types.OpMoveSubtree, types.OpRemoveNode:
		return op.Node, true
	case types.OpMoveChild:
		return op.ChildNode, true
	default:
		return types.NullNode, false
	}
}

// treeMutationOverlap is rule 2: either op is a tree mutation and the
// other's node lies in the descendant closure of the first's node (checked
// symmetrically).
func treeMutationOverlap(s *scene.State, a, b types.SceneOp) bool {
	if isTreeMutation(a.Kind) {
		if subject, ok := mutationSubject(a); ok && overlapsSubtree(s, subject, b) {
			return true
		}
	}
	if isTreeMutation(b.Kind) {
		if subject, ok := mutationSubject(b); ok && overlapsSubtree(s, subject, a) {
			return true
		}
	}
	return false
}

// overlapsSubtree reports whether any node referenced by op is subject
// itself or a descendant of subject.
func overlapsSubtree(s *scene.State, subject types.NodeID, op types.SceneOp) bool {
	for _, n := range op.Nodes() {
		if n == types.NullNode {
			continue
		}
		if n == subject || scene.IsDescendant(s, subject, n) {
			return true
		}
	}
	return false
}

// sameMoveChildTarget is rule 3: both are move_child of the same
// {parent, child_node} pair.
func sameMoveChildTarget(a, b types.SceneOp) bool {
	if a.Kind != types.OpMoveChild || b.Kind != types.OpMoveChild {
		return false
	}
	return a.Parent == b.Parent && a.ChildNode == b.ChildNode
}

// moveChildVersusInsert is rule 4, applied symmetrically in both argument
// orders: one is move_child{parent=P} and the other is
// add_child/add_sibling with target=P.
func moveChildVersusInsert(a, b types.SceneOp) bool {
	return moveChildTargets(a, b) || moveChildTargets(b, a)
}

func moveChildTargets(moveChild, insert types.SceneOp) bool {
	if moveChild.Kind != types.OpMoveChild {
		return false
	}
	if insert.Kind != types.OpAddChild && insert.Kind != types.OpAddSibling {
		return false
	}
	return moveChild.Parent == insert.Target
}

// AnyConflict reports whether any op in candidateOps conflicts with any op
// in priorOps, used by the coordinator to check a candidate transaction
// against the committed prefix it must not conflict with. Each call counts
// as one candidate-versus-committed check in the metrics.
func AnyConflict(s *scene.State, candidateOps, priorOps []types.SceneOp) bool {
	metrics.ConflictChecksTotal.Inc()
	for _, c := range candidateOps {
		for _, p := range priorOps {
			if Conflicts(s, c, p) {
				return true
			}
		}
	}
	return false
}
