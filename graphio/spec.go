// Package graphio (de)serializes the persisted graph specification
// document into/from a graphmodel.Graph, using a JSON-tagged-struct plus
// a schema_version field so a document can be validated for compatibility
// before it is turned back into a graph.
package graphio

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agentrt/agentrt/graphmodel"
)

// CurrentSchemaVersion is the schema_version this package reads and
// writes. Load rejects documents with a newer major version.
const CurrentSchemaVersion = 1

// Spec is the persisted form of a graphmodel.Graph: id, nodes, edges,
// entry_node, terminal_nodes, pause_nodes, plus a top-level
// schema_version.
type Spec struct {
	SchemaVersion int        `json:"schema_version"`
	ID            string     `json:"id"`
	Nodes         []NodeSpec `json:"nodes"`
	Edges         []EdgeSpec `json:"edges"`
	EntryNode     string     `json:"entry_node"`
	TerminalNodes []string   `json:"terminal_nodes,omitempty"`
	PauseNodes    []string   `json:"pause_nodes,omitempty"`
}

// RetrySpec is the persisted form of graphmodel.RetryPolicy. RetryOn is a
// Go closure in the in-memory model and has no persisted representation;
// ToGraph leaves RetryOn nil (every failure not marked non-retryable is
// retried) unless the caller supplies node-specific RetryOn funcs through
// its retryOn argument.
type RetrySpec struct {
	MaxAttempts int           `json:"max_attempts,omitempty"`
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
}

// ValidationSpec is the persisted form of graphmodel.ValidationPolicy.
type ValidationSpec struct {
	MaxRetries int               `json:"max_retries,omitempty"`
	Required   map[string]string `json:"required,omitempty"`
}

// PauseSpec is the persisted form of graphmodel.PausePolicy.
type PauseSpec struct {
	Message string        `json:"message,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NodeSpec is the persisted form of graphmodel.Node.
type NodeSpec struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	Inputs          []string        `json:"inputs,omitempty"`
	Outputs         []string        `json:"outputs,omitempty"`
	Retry           *RetrySpec      `json:"retry,omitempty"`
	Validation      *ValidationSpec `json:"validation,omitempty"`
	Pause           *PauseSpec      `json:"pause,omitempty"`
	VisitBudget     int             `json:"visit_budget,omitempty"`
	SubagentGraphID string          `json:"subagent_graph_id,omitempty"`
}

// EdgeSpec is the persisted form of graphmodel.Edge. Condition is one of
// "unconditional", "on-success", "on-failure", "predicate", or
// "router-labeled"; Expr is populated for "predicate", Label for
// "router-labeled".
type EdgeSpec struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition"`
	Expr      string `json:"expr,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Load parses a Spec document from r and validates its schema_version.
func Load(r io.Reader) (Spec, error) {
	var s Spec
	dec := json.NewDecoder(r)
	if err := dec.Decode(&s); err != nil {
		return Spec{}, fmt.Errorf("graphio: decode: %w", err)
	}
	if s.SchemaVersion == 0 {
		s.SchemaVersion = CurrentSchemaVersion
	}
	if s.SchemaVersion > CurrentSchemaVersion {
		return Spec{}, fmt.Errorf("graphio: schema_version %d is newer than this package supports (%d)", s.SchemaVersion, CurrentSchemaVersion)
	}
	return s, nil
}

// LoadFile reads and parses a Spec document from path.
func LoadFile(path string) (Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return Spec{}, fmt.Errorf("graphio: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Save writes s to w as indented JSON.
func Save(w io.Writer, s Spec) error {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = CurrentSchemaVersion
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("graphio: encode: %w", err)
	}
	return nil
}

// SaveFile writes s to path as indented JSON, creating or truncating it.
func SaveFile(path string, s Spec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("graphio: create %s: %w", path, err)
	}
	defer f.Close()
	return Save(f, s)
}

// FromGraph converts a built graphmodel.Graph back into its persisted
// Spec form, e.g. to round-trip a programmatically constructed graph out
// to disk for inspection or reuse by another process.
func FromGraph(g *graphmodel.Graph) Spec {
	s := Spec{
		SchemaVersion: CurrentSchemaVersion,
		ID:            g.ID(),
		EntryNode:     g.Entry(),
	}
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		ns := NodeSpec{
			ID:              n.ID,
			Kind:            string(n.Kind),
			Inputs:          n.Inputs,
			Outputs:         n.Outputs,
			VisitBudget:     n.VisitBudget,
			SubagentGraphID: n.SubagentGraphID,
		}
		if n.Retry != nil {
			ns.Retry = &RetrySpec{MaxAttempts: n.Retry.MaxAttempts, BaseDelay: n.Retry.BaseDelay, MaxDelay: n.Retry.MaxDelay}
		}
		if n.Validation != nil {
			vs := &ValidationSpec{MaxRetries: n.Validation.MaxRetries}
			if n.Validation.Schema != nil {
				vs.Required = n.Validation.Schema.Required
			}
			ns.Validation = vs
		}
		if n.Pause != nil {
			ns.Pause = &PauseSpec{Message: n.Pause.Message, Timeout: n.Pause.Timeout}
		}
		s.Nodes = append(s.Nodes, ns)
		if g.IsTerminal(id) {
			s.TerminalNodes = append(s.TerminalNodes, id)
		}
		if g.IsPause(id) {
			s.PauseNodes = append(s.PauseNodes, id)
		}
		for _, e := range g.OutgoingEdges(id) {
			s.Edges = append(s.Edges, EdgeSpec{
				Source:    e.Source,
				Target:    e.Target,
				Condition: string(e.Cond.Type),
				Expr:      e.Cond.Expr,
				Label:     e.Cond.Label,
			})
		}
	}
	return s
}

// ToGraph builds a graphmodel.Graph from s, running the same structural
// validation graphmodel.Builder.Build performs. retryOn lets callers
// attach a node-id -> RetryOn closure since that field has no persisted
// representation; nodes absent from retryOn keep a nil RetryOn (meaning
// "every failure is retryable", the executor's own default).
func ToGraph(s Spec, retryOn map[string]func(errKind string) bool) (*graphmodel.Graph, error) {
	if s.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("graphio: schema_version %d is newer than this package supports (%d)", s.SchemaVersion, CurrentSchemaVersion)
	}

	b := graphmodel.NewBuilder(s.ID)
	for _, ns := range s.Nodes {
		n := graphmodel.Node{
			ID:              ns.ID,
			Kind:            graphmodel.Kind(ns.Kind),
			Inputs:          ns.Inputs,
			Outputs:         ns.Outputs,
			VisitBudget:     ns.VisitBudget,
			SubagentGraphID: ns.SubagentGraphID,
		}
		if ns.Retry != nil {
			n.Retry = &graphmodel.RetryPolicy{
				MaxAttempts: ns.Retry.MaxAttempts,
				BaseDelay:   ns.Retry.BaseDelay,
				MaxDelay:    ns.Retry.MaxDelay,
				RetryOn:     retryOn[ns.ID],
			}
		}
		if ns.Validation != nil {
			vp := &graphmodel.ValidationPolicy{MaxRetries: ns.Validation.MaxRetries}
			if ns.Validation.Required != nil {
				vp.Schema = &graphmodel.Schema{Required: ns.Validation.Required}
			}
			n.Validation = vp
		}
		if ns.Pause != nil {
			n.Pause = &graphmodel.PausePolicy{Message: ns.Pause.Message, Timeout: ns.Pause.Timeout}
		}
		b.AddNode(n)
	}
	for _, es := range s.Edges {
		cond, err := toCondition(es)
		if err != nil {
			return nil, err
		}
		b.AddEdge(graphmodel.Edge{Source: es.Source, Target: es.Target, Cond: cond})
	}
	b.SetEntry(s.EntryNode)
	for _, id := range s.TerminalNodes {
		b.MarkTerminal(id)
	}
	return b.Build()
}

func toCondition(es EdgeSpec) (graphmodel.Condition, error) {
	switch graphmodel.ConditionType(es.Condition) {
	case graphmodel.ConditionUnconditional, graphmodel.ConditionOnSuccess, graphmodel.ConditionOnFailure:
		return graphmodel.Condition{Type: graphmodel.ConditionType(es.Condition)}, nil
	case graphmodel.ConditionPredicate:
		if es.Expr == "" {
			return graphmodel.Condition{}, fmt.Errorf("graphio: edge %s->%s: predicate condition requires expr", es.Source, es.Target)
		}
		return graphmodel.Condition{Type: graphmodel.ConditionPredicate, Expr: es.Expr}, nil
	case graphmodel.ConditionRouterLabel:
		if es.Label == "" {
			return graphmodel.Condition{}, fmt.Errorf("graphio: edge %s->%s: router-labeled condition requires label", es.Source, es.Target)
		}
		return graphmodel.Condition{Type: graphmodel.ConditionRouterLabel, Label: es.Label}, nil
	default:
		return graphmodel.Condition{}, fmt.Errorf("graphio: edge %s->%s: unknown condition %q", es.Source, es.Target, es.Condition)
	}
}
