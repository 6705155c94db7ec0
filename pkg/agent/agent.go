// Package agent models the hierarchy of agent rollups.
//
// Agent ids are '/'-delimited paths. Every prefix of an id is an agent rollup
// that aggregates the data of everything below it:
//
//	prod            <- rollup of prod/web and prod/batch
//	prod/web        <- rollup of its hosts
//	prod/web/host-1 <- the agent itself
package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidID is returned for ids without any non-empty segment
var ErrInvalidID = errors.New("invalid agent id")

// Node is one agent rollup of a forest snapshot. A node without children is a
// leaf agent.
type Node struct {
	ID       string  `json:"id"`
	Display  string  `json:"display"`
	Children []*Node `json:"children,omitempty"`
}

// IsLeaf reports whether n has no children
func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// ExpandRollupID returns every rollup id of agentRollupID, root first.
// Empty segments are ignored: "a//b/" expands to ["a", "a/b"].
func ExpandRollupID(agentRollupID string) []string {
	var ids []string
	var prefix strings.Builder
	for _, segment := range strings.Split(agentRollupID, "/") {
		if segment == "" {
			continue
		}
		if prefix.Len() > 0 {
			prefix.WriteByte('/')
		}
		prefix.WriteString(segment)
		ids = append(ids, prefix.String())
	}
	return ids
}

// Normalize returns the canonical form of an id
func Normalize(agentRollupID string) (string, error) {
	ids := ExpandRollupID(agentRollupID)
	if len(ids) == 0 {
		return "", ErrInvalidID
	}
	return ids[len(ids)-1], nil
}

// Display returns the last segment of an id
func Display(agentRollupID string) string {
	if i := strings.LastIndexByte(agentRollupID, '/'); i >= 0 {
		return agentRollupID[i+1:]
	}
	return agentRollupID
}

// Registry tracks the agents that have reported to this node
type Registry struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time

	now func() time.Time
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Store records that agentID has reported. It returns the canonical id.
func (r *Registry) Store(agentID string) (string, error) {
	id, err := Normalize(agentID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[id] = r.now()
	return id, nil
}

// LastSeen returns when agentID last reported
func (r *Registry) LastSeen(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.lastSeen[agentID]
	return t, ok
}

// RollupIDs returns agentID followed by its ancestors, deepest first
func (r *Registry) RollupIDs(agentID string) []string {
	ids := ExpandRollupID(agentID)
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// ReadForest returns a snapshot of the hierarchy. Roots and children are
// sorted by id. The snapshot is never mutated after it is returned.
func (r *Registry) ReadForest(ctx context.Context) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	agentIDs := make([]string, 0, len(r.lastSeen))
	for id := range r.lastSeen {
		agentIDs = append(agentIDs, id)
	}
	r.mu.RUnlock()

	return BuildForest(agentIDs), nil
}

// BuildForest builds the hierarchy containing every id and all its ancestors
func BuildForest(agentIDs []string) []*Node {
	nodes := make(map[string]*Node)
	var roots []*Node

	for _, agentID := range agentIDs {
		var parent *Node
		for _, id := range ExpandRollupID(agentID) {
			node, ok := nodes[id]
			if !ok {
				node = &Node{ID: id, Display: Display(id)}
				nodes[id] = node
				if parent == nil {
					roots = append(roots, node)
				} else {
					parent.Children = append(parent.Children, node)
				}
			}
			parent = node
		}
	}

	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].ID < nodes[j].ID
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
