// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the operator kernels used to evaluate ir.Graph nodes, and the
// registry that maps an operator type to its kernel implementations.
//
// A Kernel computes the outputs of exactly one node. Kernels are constructed per node by a
// BuilderFn registered under an (operator type, provider) pair: the builder reads and
// validates the node's attributes up front, so Compute only deals with concrete values.
//
// Values flowing in and out of a kernel are Buffers: a shape plus a flat slice of the Go
// type corresponding to the shape's dtype. The execution environment of one node is a
// Frame, which resolves the node's input names against a set of constant tensors and
// collects the produced outputs; it owns no graph state and is discarded after use.
//
// The built-in provider is ProviderGo, a pure-Go implementation of a small operator set:
// generators (Constant and the Random* family), element-wise unary and binary arithmetic
// with multidirectional broadcasting, and shape manipulation (Cast, Concat, Reshape,
// Shape, Split). Additional providers can register their own kernels with Register.
package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomir/ir"
	"github.com/gomlx/gomir/types"
	"github.com/pkg/errors"
)

// ProviderGo is the identifier of the built-in pure-Go kernel provider.
const ProviderGo = "go"

// DefaultProviders returns the set of providers available in-process, currently only
// ProviderGo.
func DefaultProviders() types.Set[string] {
	return types.SetWith(ProviderGo)
}

// Kernel is a constructed operator implementation, bound to one node, ready to run.
type Kernel interface {
	// Compute calculates the node's outputs from the inputs resolved by ctx and stores
	// them with Context.SetOutput. It is called at most once per construction.
	Compute(ctx *Context) error
}

// BuilderFn constructs the Kernel for the given node. It should validate the node's
// attributes and input/output arity, so that errors surface before anything runs.
type BuilderFn func(node *ir.Node) (Kernel, error)

type registryKey struct {
	opType   string
	provider string
}

var registry = make(map[registryKey]BuilderFn)

// Register records the kernel builder for the operator type under the given provider.
// It is meant to be called during package initialization; registering the same
// (opType, provider) pair twice panics.
func Register(opType, provider string, builder BuilderFn) {
	if opType == "" || provider == "" || builder == nil {
		exceptions.Panicf("kernels.Register(%q, %q): opType, provider and builder must all be set", opType, provider)
	}
	key := registryKey{opType: opType, provider: provider}
	if _, found := registry[key]; found {
		exceptions.Panicf("kernels.Register(%q, %q): already registered", opType, provider)
	}
	registry[key] = builder
}

// Lookup returns the kernel builder registered for the operator type under the given
// provider, and whether one was found.
func Lookup(opType, provider string) (BuilderFn, bool) {
	builder, found := registry[registryKey{opType: opType, provider: provider}]
	return builder, found
}

// IsSupported returns whether the operator type has a kernel registered under at least one
// of the given providers.
func IsSupported(opType string, providers types.Set[string]) bool {
	for provider := range providers {
		if _, found := registry[registryKey{opType: opType, provider: provider}]; found {
			return true
		}
	}
	return false
}

// requireInsOuts checks that the node has exactly the given number of inputs and outputs
// and that no input was left unset. Builders of fixed-arity kernels use it to reject
// malformed nodes before evaluation.
func requireInsOuts(node *ir.Node, numInputs, numOutputs int) error {
	if node.NumInputs() != numInputs {
		return errors.Errorf("%s node %q: expected %d inputs, got %d", node.OpType(), node.Name(), numInputs, node.NumInputs())
	}
	if node.NumOutputs() != numOutputs {
		return errors.Errorf("%s node %q: expected %d outputs, got %d", node.OpType(), node.Name(), numOutputs, node.NumOutputs())
	}
	for i, name := range node.Inputs() {
		if name == "" {
			return errors.Errorf("%s node %q: input #%d is not set", node.OpType(), node.Name(), i)
		}
	}
	return nil
}
