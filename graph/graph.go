package graph

import (
	"fmt"
	"sort"
	"time"
)

// Predicate inspects the state after a node completes and returns a routing
// label. Predicates must be pure: same state, same label.
type Predicate func(state *ExecutionState) string

// edge is either unconditional (Predicate nil, single target) or conditional
// (Predicate set, label-to-node routes).
type edge struct {
	from      string
	to        string
	predicate Predicate
	labels    []string
	routes    map[string]string
}

// nodeEntry pairs a node with its policy.
type nodeEntry struct {
	node   Node
	policy NodePolicy
}

// Graph is a named workflow definition: nodes, edges, a start node, terminal
// nodes, and an optional error handler. Build it with Add/Connect and hand it
// to Engine.Register, which validates the topology.
type Graph struct {
	name         string
	nodes        map[string]*nodeEntry
	order        []string
	edges        map[string]*edge
	start        string
	terminals    map[string]bool
	errorHandler string
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		name:      name,
		nodes:     make(map[string]*nodeEntry),
		edges:     make(map[string]*edge),
		terminals: make(map[string]bool),
	}
}

// Name returns the graph's registered name.
func (g *Graph) Name() string { return g.name }

// NodeOption configures a node at registration.
type NodeOption func(*NodePolicy)

// WithTimeout overrides the engine's default per-node timeout.
func WithTimeout(d time.Duration) NodeOption {
	return func(p *NodePolicy) { p.Timeout = d }
}

// WithRetry attaches a retry policy to the node.
func WithRetry(rp *RetryPolicy) NodeOption {
	return func(p *NodePolicy) { p.Retry = rp }
}

// WithErrorsHandled marks the node as an error-handler target.
func WithErrorsHandled() NodeOption {
	return func(p *NodePolicy) { p.ErrorsHandled = true }
}

// Add registers a node under a unique name.
func (g *Graph) Add(name string, n Node, opts ...NodeOption) *Graph {
	var policy NodePolicy
	for _, opt := range opts {
		opt(&policy)
	}
	if _, dup := g.nodes[name]; !dup {
		g.order = append(g.order, name)
	}
	g.nodes[name] = &nodeEntry{node: n, policy: policy}
	return g
}

// StartAt designates the start node.
func (g *Graph) StartAt(name string) *Graph {
	g.start = name
	return g
}

// Connect adds an unconditional edge.
func (g *Graph) Connect(from, to string) *Graph {
	g.edges[from] = &edge{from: from, to: to}
	return g
}

// ConnectCond adds a conditional edge: after `from` completes, predicate is
// evaluated against the state and its label looked up in routes.
func (g *Graph) ConnectCond(from string, predicate Predicate, labels []string, routes map[string]string) *Graph {
	g.edges[from] = &edge{from: from, predicate: predicate, labels: labels, routes: routes}
	return g
}

// Terminal marks a node as a valid end of execution.
func (g *Graph) Terminal(name string) *Graph {
	g.terminals[name] = true
	return g
}

// ErrorHandler designates the node that receives control when another node
// fails without a retry succeeding.
func (g *Graph) ErrorHandler(name string) *Graph {
	g.errorHandler = name
	return g
}

// Validate checks the topology: exactly one start node, at least one
// terminal, every non-terminal has an outgoing edge, every conditional label
// routes to a registered node, every node is reachable from the start, every
// node can reach a terminal, and the graph is acyclic.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return fmt.Errorf("graph %s: no nodes", g.name)
	}
	if g.start == "" {
		return fmt.Errorf("graph %s: no start node", g.name)
	}
	if _, ok := g.nodes[g.start]; !ok {
		return fmt.Errorf("graph %s: start node %s not registered", g.name, g.start)
	}
	if len(g.terminals) == 0 {
		return fmt.Errorf("graph %s: no terminal node", g.name)
	}
	for t := range g.terminals {
		if _, ok := g.nodes[t]; !ok {
			return fmt.Errorf("graph %s: terminal %s not registered", g.name, t)
		}
		if _, has := g.edges[t]; has {
			return fmt.Errorf("graph %s: terminal %s has an outgoing edge", g.name, t)
		}
	}
	if g.errorHandler != "" {
		if _, ok := g.nodes[g.errorHandler]; !ok {
			return fmt.Errorf("graph %s: error handler %s not registered", g.name, g.errorHandler)
		}
	}

	for from, e := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("graph %s: edge from unregistered node %s", g.name, from)
		}
		if e.predicate == nil {
			if _, ok := g.nodes[e.to]; !ok {
				return fmt.Errorf("graph %s: edge %s -> %s targets unregistered node", g.name, from, e.to)
			}
			continue
		}
		if len(e.labels) == 0 {
			return fmt.Errorf("graph %s: conditional edge from %s declares no labels", g.name, from)
		}
		for _, label := range e.labels {
			target, ok := e.routes[label]
			if !ok {
				return fmt.Errorf("graph %s: conditional edge from %s: label %q has no route", g.name, from, label)
			}
			if _, ok := g.nodes[target]; !ok {
				return fmt.Errorf("graph %s: conditional edge from %s: label %q routes to unregistered node %s", g.name, from, label, target)
			}
		}
	}

	for _, name := range g.sortedNodes() {
		if g.terminals[name] {
			continue
		}
		if _, ok := g.edges[name]; !ok && name != g.errorHandler {
			return fmt.Errorf("graph %s: non-terminal node %s has no outgoing edge", g.name, name)
		}
	}

	reachable := g.reach(g.start)
	for _, name := range g.sortedNodes() {
		if name == g.errorHandler {
			continue
		}
		if !reachable[name] {
			return fmt.Errorf("graph %s: node %s unreachable from start", g.name, name)
		}
	}

	// Co-reachability: every reachable node must have a path to a terminal.
	rev := g.reverseAdjacency()
	coReach := make(map[string]bool)
	var stack []string
	for t := range g.terminals {
		stack = append(stack, t)
		coReach[t] = true
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, pred := range rev[cur] {
			if !coReach[pred] {
				coReach[pred] = true
				stack = append(stack, pred)
			}
		}
	}
	for name := range reachable {
		if !coReach[name] {
			return fmt.Errorf("graph %s: node %s cannot reach a terminal", g.name, name)
		}
	}

	if cycle := g.findCycle(); cycle != "" {
		return fmt.Errorf("graph %s: cycle through node %s", g.name, cycle)
	}
	return nil
}

func (g *Graph) sortedNodes() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// successors returns all possible next nodes from a node.
func (g *Graph) successors(name string) []string {
	e, ok := g.edges[name]
	if !ok {
		return nil
	}
	if e.predicate == nil {
		return []string{e.to}
	}
	out := make([]string, 0, len(e.labels))
	for _, label := range e.labels {
		out = append(out, e.routes[label])
	}
	return out
}

func (g *Graph) reach(from string) map[string]bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.successors(cur) {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

func (g *Graph) reverseAdjacency() map[string][]string {
	rev := make(map[string][]string)
	for from := range g.edges {
		for _, to := range g.successors(from) {
			rev[to] = append(rev[to], from)
		}
	}
	return rev
}

// findCycle runs a coloring DFS; returns a node on a cycle, or "".
func (g *Graph) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(string) string
	visit = func(n string) string {
		color[n] = gray
		for _, next := range g.successors(n) {
			switch color[next] {
			case gray:
				return next
			case white:
				if c := visit(next); c != "" {
					return c
				}
			}
		}
		color[n] = black
		return ""
	}
	for _, n := range g.sortedNodes() {
		if color[n] == white {
			if c := visit(n); c != "" {
				return c
			}
		}
	}
	return ""
}

// next resolves the successor of a node at runtime. For conditional edges an
// unmapped label yields a routing error.
func (g *Graph) next(name string, state *ExecutionState) (string, bool, *Error) {
	e, ok := g.edges[name]
	if !ok {
		return "", false, nil
	}
	if e.predicate == nil {
		return e.to, true, nil
	}
	label := e.predicate(state)
	target, ok := e.routes[label]
	if !ok {
		return "", false, Errf(KindGraphRouting, "predicate at %s returned unmapped label %q", name, label)
	}
	return target, true, nil
}
