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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/taxdump"
)

// FromTaxdump builds a Tree from an NCBI taxdump directory: nodes.dmp
// provides the parent links and ranks, and names.dmp, when present,
// the scientific names.
func FromTaxdump(dir string) (*Tree, error) {
	nodesFile := filepath.Join(dir, "nodes.dmp")
	taxonomy, err := taxdump.NewTaxonomyWithRankFromNCBI(nodesFile)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %v", nodesFile)
	}
	namesFile := filepath.Join(dir, "names.dmp")
	if _, err := os.Stat(namesFile); err == nil {
		if err := taxonomy.LoadNamesFromNCBI(namesFile); err != nil {
			return nil, errors.Wrapf(err, "loading %v", namesFile)
		}
	}
	nodes := make([]Node, 0, len(taxonomy.Nodes))
	for child, parent := range taxonomy.Nodes {
		node := Node{Taxid: child, Parent: parent, Rank: taxonomy.Rank(child)}
		if taxonomy.Names != nil {
			node.Name = taxonomy.Names[child]
		}
		nodes = append(nodes, node)
	}
	tree, err := NewTree(nodes)
	if err != nil {
		return nil, errors.Wrapf(err, "building taxonomy from %v", dir)
	}
	return tree, nil
}
