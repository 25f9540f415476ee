// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer implements rewriting passes over ir.Graph.
//
// A pass is a Transformer: it mutates the graph in place and reports whether it changed
// anything. ApplyUntilFixedPoint runs a list of transformers in rounds until the graph
// stops changing. The main pass is ConstantFolding, which evaluates nodes whose inputs
// are all constant and replaces them with initializers.
package optimizer

import (
	"github.com/gomlx/gomir/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Transformer is one graph rewriting pass. Apply mutates the graph in place and returns
// whether it modified anything. On error the graph may have been partially rewritten,
// but each individual rewrite is atomic.
type Transformer interface {
	Name() string
	Apply(g *ir.Graph) (modified bool, err error)
}

// DefaultMaxRounds bounds ApplyUntilFixedPoint when the caller passes maxRounds <= 0.
const DefaultMaxRounds = 10

// ApplyUntilFixedPoint runs the transformers, in order, in rounds: it stops after a full
// round with no modification, or after maxRounds rounds. The first error aborts.
func ApplyUntilFixedPoint(g *ir.Graph, maxRounds int, transformers ...Transformer) (modified bool, err error) {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	for round := range maxRounds {
		roundModified := false
		for _, transformer := range transformers {
			applied, err := transformer.Apply(g)
			if err != nil {
				return modified, errors.WithMessagef(err, "applying %s in round %d", transformer.Name(), round)
			}
			if applied {
				klog.V(1).Infof("graph %q modified by %s in round %d", g.Name(), transformer.Name(), round)
				roundModified = true
				modified = true
			}
		}
		if !roundModified {
			break
		}
	}
	return modified, nil
}

// UnusedInitializersCleanup removes initializers that no node references anymore, in the
// graph and recursively in all subgraphs. Passes that sever nodes from their constant
// inputs (like ConstantFolding) leave those behind on purpose and rely on a later run of
// this cleanup.
type UnusedInitializersCleanup struct{}

// Name implements Transformer.
func (UnusedInitializersCleanup) Name() string { return "UnusedInitializersCleanup" }

// Apply implements Transformer.
func (c UnusedInitializersCleanup) Apply(g *ir.Graph) (modified bool, err error) {
	removed := g.RemoveUnusedInitializers()
	if len(removed) > 0 {
		klog.V(2).Infof("graph %q: removed %d unused initializer(s): %v", g.Name(), len(removed), removed)
		modified = true
	}
	for node := range g.Nodes() {
		for _, name := range node.SubgraphNames() {
			subModified, err := c.Apply(node.Subgraph(name))
			if err != nil {
				return modified, errors.WithMessagef(err, "cleaning subgraph %q of node %q", name, node.Name())
			}
			modified = modified || subModified
		}
	}
	return modified, nil
}
