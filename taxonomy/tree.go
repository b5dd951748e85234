// micrite: screening host sequencing data for microbial reads.
// Copyright (c) 2024 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/micrite/blob/master/LICENSE.txt>.

// Package taxonomy models a taxonomic hierarchy and resolves read
// classifications against taxa of interest and their descendants.
package taxonomy

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// A Node is one taxon of the hierarchy. Parent is 0 for the root.
type Node struct {
	Taxid    uint32
	Parent   uint32
	Rank     string
	Name     string
	Children []uint32
}

// A Tree is a rooted taxonomic hierarchy. It is immutable after
// construction and safe for concurrent use.
type Tree struct {
	nodes map[uint32]*Node
	root  uint32
}

// NewTree builds a Tree from the given nodes. Children lists are
// derived from the parent links and sorted, so the result does not
// depend on the input order. A node whose parent is 0 or itself is a
// root; exactly one root is required, every parent must be present,
// and the parent links must not form cycles.
func NewTree(nodes []Node) (*Tree, error) {
	tree := &Tree{nodes: make(map[uint32]*Node, len(nodes))}
	roots := 0
	for i := range nodes {
		node := nodes[i]
		if node.Taxid == 0 {
			return nil, errors.New("taxid 0 cannot be part of a taxonomy")
		}
		if _, dup := tree.nodes[node.Taxid]; dup {
			return nil, fmt.Errorf("duplicate taxid %v", node.Taxid)
		}
		if node.Parent == node.Taxid {
			node.Parent = 0
		}
		if node.Parent == 0 {
			roots++
			tree.root = node.Taxid
		}
		node.Children = nil
		tree.nodes[node.Taxid] = &node
	}
	if roots != 1 {
		return nil, fmt.Errorf("taxonomy has %v roots instead of 1", roots)
	}
	for _, node := range tree.nodes {
		if node.Parent == 0 {
			continue
		}
		parent, ok := tree.nodes[node.Parent]
		if !ok {
			return nil, fmt.Errorf("parent %v of taxid %v missing", node.Parent, node.Taxid)
		}
		parent.Children = append(parent.Children, node.Taxid)
	}
	for _, node := range tree.nodes {
		sort.Slice(node.Children, func(i, j int) bool { return node.Children[i] < node.Children[j] })
	}
	// with a single root, a node is unreachable from the root exactly
	// when it lies on a cycle or below one
	if reached := tree.countReachable(); reached != len(tree.nodes) {
		return nil, fmt.Errorf("taxonomy contains a cycle: %v of %v taxa unreachable from root", len(tree.nodes)-reached, len(tree.nodes))
	}
	return tree, nil
}

func (tree *Tree) countReachable() (n int) {
	stack := []uint32{tree.root}
	for len(stack) > 0 {
		taxid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n++
		stack = append(stack, tree.nodes[taxid].Children...)
	}
	return
}

// Root returns the taxid of the root.
func (tree *Tree) Root() uint32 {
	return tree.root
}

// Len returns the number of taxa.
func (tree *Tree) Len() int {
	return len(tree.nodes)
}

// Node returns the node of a taxid. The node must not be modified.
func (tree *Tree) Node(taxid uint32) (*Node, bool) {
	node, ok := tree.nodes[taxid]
	return node, ok
}

// Name returns the display name of a taxid, or the empty string.
func (tree *Tree) Name(taxid uint32) string {
	if node, ok := tree.nodes[taxid]; ok {
		return node.Name
	}
	return ""
}

// Lineage returns the path from the root to taxid, both included.
func (tree *Tree) Lineage(taxid uint32) []uint32 {
	var path []uint32
	for node, ok := tree.nodes[taxid]; ok; node, ok = tree.nodes[node.Parent] {
		path = append(path, node.Taxid)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
