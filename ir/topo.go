// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"container/heap"

	"github.com/pkg/errors"
)

// nodeIndexHeap is a min-heap of NodeIndex, used to make the topological order deterministic.
type nodeIndexHeap []NodeIndex

func (h nodeIndexHeap) Len() int           { return len(h) }
func (h nodeIndexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h nodeIndexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *nodeIndexHeap) Push(x any) {
	*h = append(*h, x.(NodeIndex))
}

func (h *nodeIndexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder returns the indices of the live nodes ordered so that every producer
// comes before its consumers. Among the nodes ready at each step, the smallest NodeIndex
// is emitted first, so the order is deterministic.
//
// It returns an error if the graph contains a cycle.
func (g *Graph) TopologicalOrder() ([]NodeIndex, error) {
	indegree := make(map[NodeIndex]int, g.numLive)
	ready := make(nodeIndexHeap, 0, g.numLive)
	for node := range g.Nodes() {
		count := 0
		for _, in := range node.inputs {
			if in != "" && g.producers[in] != nil {
				count++
			}
		}
		indegree[node.index] = count
		if count == 0 {
			ready = append(ready, node.index)
		}
	}
	heap.Init(&ready)

	order := make([]NodeIndex, 0, g.numLive)
	for ready.Len() > 0 {
		index := heap.Pop(&ready).(NodeIndex)
		node := g.nodes[index]
		order = append(order, index)
		for _, out := range node.outputs {
			if g.producers[out.Name] != node {
				// Severed edge, not counted in the indegrees.
				continue
			}
			for _, consumer := range g.consumers[out.Name] {
				indegree[consumer.index]--
				if indegree[consumer.index] == 0 {
					heap.Push(&ready, consumer.index)
				}
			}
		}
	}

	if len(order) != g.numLive {
		var stuck []NodeIndex
		for node := range g.Nodes() {
			if indegree[node.index] > 0 {
				stuck = append(stuck, node.index)
			}
		}
		return nil, errors.Errorf("graph %q contains a cycle among nodes %v", g.name, stuck)
	}
	return order, nil
}
