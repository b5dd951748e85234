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

package taxonomy

import (
	"sort"

	psync "github.com/exascience/pargo/sync"

	"github.com/exascience/micrite/diag"
	"github.com/exascience/micrite/internal"
)

// A Set is an order-insensitive set of taxids. Sets returned by a
// Resolver are shared and must not be modified.
type Set map[uint32]struct{}

// Contains reports whether taxid is a member of the set.
func (set Set) Contains(taxid uint32) bool {
	_, ok := set[taxid]
	return ok
}

// Sorted returns the members in ascending order.
func (set Set) Sorted() []uint32 {
	taxids := make([]uint32, 0, len(set))
	for taxid := range set {
		taxids = append(taxids, taxid)
	}
	sort.Slice(taxids, func(i, j int) bool { return taxids[i] < taxids[j] })
	return taxids
}

type taxidKey uint32

func (key taxidKey) Hash() uint64 {
	return internal.IntHash(uint64(key))
}

// A Resolver answers whether classifications fall under taxa of
// interest. Expansions are cached, so a Resolver should live as long
// as the taxa it resolves against are in use. It is safe for
// concurrent use.
type Resolver struct {
	tree  *Tree
	cache *psync.Map
}

// NewResolver returns a Resolver for the given tree.
func NewResolver(tree *Tree) *Resolver {
	return &Resolver{tree: tree, cache: psync.NewMap(0)}
}

// Tree returns the tree the resolver works on.
func (r *Resolver) Tree() *Tree {
	return r.tree
}

// Expand returns taxid together with all its descendants. It fails
// with an UnknownTaxid error if taxid is not part of the tree.
func (r *Resolver) Expand(taxid uint32) (Set, error) {
	if cached, ok := r.cache.Load(taxidKey(taxid)); ok {
		return cached.(Set), nil
	}
	if _, ok := r.tree.nodes[taxid]; !ok {
		return nil, diag.Errorf(diag.UnknownTaxid, "taxid %v not in taxonomy", taxid)
	}
	set := make(Set)
	stack := []uint32{taxid}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		set[next] = struct{}{}
		stack = append(stack, r.tree.nodes[next].Children...)
	}
	actual, _ := r.cache.LoadOrStore(taxidKey(taxid), set)
	return actual.(Set), nil
}

// Resolve reports whether the classification was assigned a taxid in
// the target set. Unclassified records never match.
func (r *Resolver) Resolve(record Classification, target Set) bool {
	return record.Classified && target.Contains(record.Taxid)
}
