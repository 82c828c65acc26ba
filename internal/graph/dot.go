package graph

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/iterator"
)

// dotNode collects the DOT id and attributes of one node.
type dotNode struct {
	id    int64
	dotID string
	attrs map[string]string
}

func (n *dotNode) ID() int64 { return n.id }

func (n *dotNode) SetDOTID(id string) { n.dotID = id }

func (n *dotNode) SetAttribute(attr encoding.Attribute) error {
	n.attrs[attr.Key] = attr.Value
	return nil
}

// dotEdge collects the attributes of one directed edge.
type dotEdge struct {
	from, to *dotNode
	attrs    map[string]string
}

func (e *dotEdge) From() graph.Node { return e.from }
func (e *dotEdge) To() graph.Node   { return e.to }

func (e *dotEdge) ReversedEdge() graph.Edge {
	return &dotEdge{from: e.to, to: e.from, attrs: e.attrs}
}

func (e *dotEdge) SetAttribute(attr encoding.Attribute) error {
	e.attrs[attr.Key] = attr.Value
	return nil
}

// dotBuilder is a directed multigraph sink for the DOT decoder. It keeps
// nodes and edges in document order and tolerates self loops and repeated
// edges, which peers may emit.
type dotBuilder struct {
	nodes []*dotNode
	byID  map[int64]*dotNode
	edges []*dotEdge
}

func newDOTBuilder() *dotBuilder {
	return &dotBuilder{byID: make(map[int64]*dotNode)}
}

func (b *dotBuilder) NewNode() graph.Node {
	return &dotNode{id: int64(len(b.nodes)), attrs: make(map[string]string)}
}

func (b *dotBuilder) AddNode(n graph.Node) {
	dn := n.(*dotNode)
	if _, ok := b.byID[dn.id]; ok {
		return
	}
	b.nodes = append(b.nodes, dn)
	b.byID[dn.id] = dn
}

func (b *dotBuilder) NewEdge(from, to graph.Node) graph.Edge {
	return &dotEdge{from: from.(*dotNode), to: to.(*dotNode), attrs: make(map[string]string)}
}

func (b *dotBuilder) SetEdge(e graph.Edge) {
	b.edges = append(b.edges, e.(*dotEdge))
}

func (b *dotBuilder) Node(id int64) graph.Node {
	if n, ok := b.byID[id]; ok {
		return n
	}
	return nil
}

func (b *dotBuilder) Nodes() graph.Nodes {
	nodes := make([]graph.Node, len(b.nodes))
	for i, n := range b.nodes {
		nodes[i] = n
	}
	return iterator.NewOrderedNodes(nodes)
}

func (b *dotBuilder) From(id int64) graph.Nodes {
	var out []graph.Node
	for _, e := range b.edges {
		if e.from.id == id {
			out = append(out, e.to)
		}
	}
	return iterator.NewOrderedNodes(out)
}

func (b *dotBuilder) To(id int64) graph.Nodes {
	var out []graph.Node
	for _, e := range b.edges {
		if e.to.id == id {
			out = append(out, e.from)
		}
	}
	return iterator.NewOrderedNodes(out)
}

func (b *dotBuilder) HasEdgeBetween(xid, yid int64) bool {
	return b.HasEdgeFromTo(xid, yid) || b.HasEdgeFromTo(yid, xid)
}

func (b *dotBuilder) HasEdgeFromTo(uid, vid int64) bool {
	return b.Edge(uid, vid) != nil
}

func (b *dotBuilder) Edge(uid, vid int64) graph.Edge {
	for _, e := range b.edges {
		if e.from.id == uid && e.to.id == vid {
			return e
		}
	}
	return nil
}
