package sqlhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Severity ranks a plan suggestion.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// PlanNode is one node of a query plan tree. Type is normalized with spaces removed,
// so "Seq Scan" becomes "SeqScan".
type PlanNode struct {
	Type     string      `json:"type"`
	Relation string      `json:"relation,omitempty"`
	Rows     float64     `json:"rows"`
	Cost     float64     `json:"cost"`
	Children []*PlanNode `json:"children,omitempty"`
}

// Suggestion is advice attached to one plan node.
type Suggestion struct {
	Node     string   `json:"node"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Analyze walks the plan in pre-order and returns at most one suggestion per node.
func Analyze(root *PlanNode) []Suggestion {
	suggestions := []Suggestion{}
	var walk func(n *PlanNode)
	walk = func(n *PlanNode) {
		if n == nil {
			return
		}
		if s, ok := suggest(n); ok {
			suggestions = append(suggestions, s)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(root)
	return suggestions
}

func suggest(n *PlanNode) (Suggestion, bool) {
	target := n.Type
	if n.Relation != "" {
		target = fmt.Sprintf("%s on %s", n.Type, n.Relation)
	}
	s := Suggestion{Node: n.Type}
	switch n.Type {
	case "SeqScan":
		switch {
		case n.Rows > 1000:
			s.Severity = SeverityHigh
			s.Message = fmt.Sprintf("%s reads %.0f rows; add an index on the filtered columns", target, n.Rows)
		case n.Rows > 100:
			s.Severity = SeverityMedium
			s.Message = fmt.Sprintf("%s reads %.0f rows; consider an index if this table grows", target, n.Rows)
		default:
			return s, false
		}
	case "NestedLoop":
		if n.Rows <= 10000 {
			return s, false
		}
		s.Severity = SeverityMedium
		s.Message = fmt.Sprintf("%s produces %.0f rows; a hash or merge join may be cheaper", target, n.Rows)
	case "Sort":
		if n.Rows <= 100000 {
			return s, false
		}
		s.Severity = SeverityMedium
		s.Message = fmt.Sprintf("%s orders %.0f rows; an index matching the sort key avoids it", target, n.Rows)
	case "HashJoin":
		if n.Rows <= 1000000 {
			return s, false
		}
		s.Severity = SeverityLow
		s.Message = fmt.Sprintf("%s builds %.0f rows; check work_mem to keep the hash in memory", target, n.Rows)
	default:
		return s, false
	}
	return s, true
}

type explainNode struct {
	NodeType string        `json:"Node Type"`
	Relation string        `json:"Relation Name"`
	PlanRows float64       `json:"Plan Rows"`
	Total    float64       `json:"Total Cost"`
	Plans    []explainNode `json:"Plans"`
}

// Explain is a parsed EXPLAIN (FORMAT JSON) document. Timings are only present with ANALYZE.
type Explain struct {
	Plan        *PlanNode `json:"plan"`
	PlanningMs  float64   `json:"planning_ms,omitempty"`
	ExecutionMs float64   `json:"execution_ms,omitempty"`
}

// ParseExplain decodes EXPLAIN (FORMAT JSON) output into a normalized plan tree.
func ParseExplain(raw []byte) (*Explain, error) {
	var doc []struct {
		Plan      explainNode `json:"Plan"`
		Planning  float64     `json:"Planning Time"`
		Execution float64     `json:"Execution Time"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode explain output: %w", err)
	}
	if len(doc) == 0 || doc[0].Plan.NodeType == "" {
		return nil, errors.New("explain output contains no plan")
	}
	return &Explain{
		Plan:        normalize(doc[0].Plan),
		PlanningMs:  doc[0].Planning,
		ExecutionMs: doc[0].Execution,
	}, nil
}

func normalize(n explainNode) *PlanNode {
	node := &PlanNode{
		Type:     strings.ReplaceAll(n.NodeType, " ", ""),
		Relation: n.Relation,
		Rows:     n.PlanRows,
		Cost:     n.Total,
	}
	for _, c := range n.Plans {
		node.Children = append(node.Children, normalize(c))
	}
	return node
}
