// Package graph turns a peer's DOT graph push into the filtered node and link
// model shown around a focal public key.
package graph

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"gonum.org/v1/gonum/graph/encoding/dot"
)

// NoFocus is the FocalID of a model whose focal key was filtered out or absent.
const NoFocus int64 = -1

const emptyGraph = "digraph{}"

// Number is a peer-supplied numeric attribute. Malformed text becomes NaN,
// which is carried through and encoded as JSON null.
type Number float64

func (n Number) Float() float64 { return float64(n) }

func (n Number) IsNaN() bool { return math.IsNaN(float64(n)) }

func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (n *Number) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = Number(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Node is a visible graph node.
type Node struct {
	ID        int64  `json:"id"`
	PubKey    string `json:"pubkey"`
	Label     string `json:"label"`
	Locale    string `json:"locale,omitempty"`
	Ranking   Number `json:"ranking"`
	Imbalance Number `json:"imbalance"`
}

// Link is a visible directed edge. Source and Target always name kept nodes.
type Link struct {
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Value  Number `json:"value"`
	Height Number `json:"height"`
	Time   Number `json:"time"`
}

// Model is the filtered graph for one focal key.
type Model struct {
	Nodes   []Node `json:"nodes"`
	Links   []Link `json:"links"`
	FocalID int64  `json:"focal_id"`
	// CID identifies the raw snapshot the model was built from.
	CID string `json:"cid"`
}

// Empty returns a model with no nodes
func Empty() *Model {
	return &Model{Nodes: []Node{}, Links: []Link{}, FocalID: NoFocus}
}

// Ingest parses raw DOT text and keeps the nodes whose pubkey is focalKey or
// whose ranking reaches rankingFilter percent. Links survive only when both
// endpoints do. Empty raw text is treated as an empty digraph.
func Ingest(raw, focalKey string, rankingFilter float64) (*Model, error) {
	raw = normalize(raw)

	b := newDOTBuilder()
	if err := dot.Unmarshal([]byte(raw), b); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}

	ids := nodeIDs(b.nodes)
	threshold := rankingFilter / 100

	m := Empty()
	m.CID = SnapshotCID([]byte(raw))

	kept := make(map[*dotNode]int64, len(b.nodes))
	for _, n := range b.nodes {
		pubkey := n.attr("pubkey")
		ranking := coerce(n.attr("ranking"))
		_, hasKey := n.attrs["pubkey"]
		focal := hasKey && pubkey == focalKey
		if !focal && !(ranking.Float() >= threshold) {
			continue
		}

		id := ids[n]
		if focal {
			m.FocalID = id
		}
		kept[n] = id
		m.Nodes = append(m.Nodes, Node{
			ID:        id,
			PubKey:    pubkey,
			Label:     n.attr("label"),
			Locale:    n.attr("locale"),
			Ranking:   ranking,
			Imbalance: coerce(n.attr("imbalance")),
		})
	}

	for _, e := range b.edges {
		source, ok := kept[e.from]
		if !ok {
			continue
		}
		target, ok := kept[e.to]
		if !ok {
			continue
		}
		m.Links = append(m.Links, Link{
			Source: source,
			Target: target,
			Value:  coerce(unquote(e.attrs["weight"])),
			Height: coerce(unquote(e.attrs["height"])),
			Time:   coerce(unquote(e.attrs["time"])),
		})
	}

	return m, nil
}

// SnapshotCID returns the CIDv1 (raw, sha2-256) of a graph snapshot.
func SnapshotCID(data []byte) string {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// TextCID is the CID a model ingested from raw carries.
func TextCID(raw string) string {
	return SnapshotCID([]byte(normalize(raw)))
}

func normalize(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return emptyGraph
	}
	return raw
}

// Node returns the node with the given id.
func (m *Model) Node(id int64) (Node, bool) {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Focus returns the focal node, if it survived filtering.
func (m *Model) Focus() (Node, bool) {
	if m.FocalID == NoFocus {
		return Node{}, false
	}
	return m.Node(m.FocalID)
}

// Flow is a link annotated with the labels of its endpoints.
type Flow struct {
	Link
	From string `json:"from"`
	To   string `json:"to"`
}

// Flows lists every link with endpoint labels, "unknown" when a label is empty.
func (m *Model) Flows() []Flow {
	flows := make([]Flow, 0, len(m.Links))
	for _, l := range m.Links {
		flows = append(flows, Flow{
			Link: l,
			From: m.labelOf(l.Source),
			To:   m.labelOf(l.Target),
		})
	}
	return flows
}

func (m *Model) labelOf(id int64) string {
	if n, ok := m.Node(id); ok && n.Label != "" {
		return n.Label
	}
	return "unknown"
}

// Deflate reduces the model to the focal node and its most recent incoming
// link, ordered by height then time.
func (m *Model) Deflate() *Model {
	out := Empty()
	out.CID = m.CID

	focus, ok := m.Focus()
	if !ok {
		return out
	}
	out.FocalID = focus.ID

	var latest *Link
	for i := range m.Links {
		l := &m.Links[i]
		if l.Target != focus.ID {
			continue
		}
		if latest == nil || newer(l, latest) {
			latest = l
		}
	}

	if latest == nil {
		out.Nodes = append(out.Nodes, focus)
		return out
	}

	if src, ok := m.Node(latest.Source); ok && src.ID != focus.ID {
		out.Nodes = append(out.Nodes, src)
	}
	out.Nodes = append(out.Nodes, focus)
	out.Links = append(out.Links, *latest)
	return out
}

func newer(a, b *Link) bool {
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.Time > b.Time
}

// nodeIDs keeps the DOT ids when every one of them is an integer, otherwise
// falls back to the order the decoder created them in.
func nodeIDs(nodes []*dotNode) map[*dotNode]int64 {
	ids := make(map[*dotNode]int64, len(nodes))
	numeric := true
	for _, n := range nodes {
		v, err := strconv.ParseInt(unquote(n.dotID), 10, 64)
		if err != nil {
			numeric = false
			break
		}
		ids[n] = v
	}
	if numeric && len(ids) == len(nodes) && distinct(ids) {
		return ids
	}

	for _, n := range nodes {
		ids[n] = n.id
	}
	return ids
}

func distinct(ids map[*dotNode]int64) bool {
	seen := make([]int64, 0, len(ids))
	for _, v := range ids {
		seen = append(seen, v)
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			return false
		}
	}
	return true
}

func (n *dotNode) attr(key string) string {
	return unquote(n.attrs[key])
}

// coerce parses a numeric attribute. Empty or non-numeric text is NaN, not
// zero: a blank ranking is unranked and fails any filter.
func coerce(s string) Number {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Number(math.NaN())
	}
	return Number(f)
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if u, err := strconv.Unquote(s); err == nil {
			return u
		}
		return s[1 : len(s)-1]
	}
	return s
}
