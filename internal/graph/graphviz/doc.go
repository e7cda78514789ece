// Copyright (c) The OpenTofu Authors
// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2023 HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package graphviz renders a build graph in the Graphviz DOT language for
// troubleshooting and the "buildgraphctl graph dot" command.
//
// [WriteDirectedGraph] walks a [*graph.Graph] directly, converting each
// live artifact into a [Node] labeled with its kind and path and each
// Connect edge into a Graphviz edge. Unlike a general-purpose
// vertex/edge abstraction, this package does not need a separate
// adapter type for graph content: it knows about artifacts directly.
package graphviz
