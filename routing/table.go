package routing

import (
	"fmt"
	"sort"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/route"
)

// HopBlueprint is a configured hop: the selector substituted when a route
// names it, and the recipients its policy may choose among.
type HopBlueprint struct {
	Name         string
	Selector     route.Hop
	Recipients   []route.Hop
	IgnoreResult bool
}

// Hop returns the selector with the blueprint's ignore-result flag applied.
func (b *HopBlueprint) Hop() route.Hop {
	if b.IgnoreResult {
		return b.Selector.WithIgnoreResult(true)
	}
	return b.Selector
}

// Table is the immutable routing table of one protocol.
type Table struct {
	protocol string
	hops     map[string]*HopBlueprint
	routes   map[string]route.Route
}

// NewTable builds a table from spec. The spec is validated first.
func NewTable(spec route.TableSpec) (*Table, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Table", "NewTable",
			fmt.Sprintf("table validation for protocol '%s'", spec.Protocol))
	}
	t := &Table{
		protocol: spec.Protocol,
		hops:     make(map[string]*HopBlueprint, len(spec.Hops)),
		routes:   make(map[string]route.Route, len(spec.Routes)),
	}
	for _, h := range spec.Hops {
		bp := &HopBlueprint{
			Name:         h.Name,
			Selector:     route.ParseHop(h.Selector),
			IgnoreResult: h.IgnoreResult,
		}
		for _, r := range h.Recipients {
			bp.Recipients = append(bp.Recipients, route.ParseHop(r))
		}
		t.hops[h.Name] = bp
	}
	for _, r := range spec.Routes {
		hops := make([]route.Hop, 0, len(r.Hops))
		for _, h := range r.Hops {
			hops = append(hops, route.ParseHop(h))
		}
		t.routes[r.Name] = route.New(hops...)
	}
	return t, nil
}

// Protocol returns the protocol this table belongs to.
func (t *Table) Protocol() string {
	return t.protocol
}

// Hop returns the named hop blueprint.
func (t *Table) Hop(name string) (*HopBlueprint, bool) {
	bp, ok := t.hops[name]
	return bp, ok
}

// Route returns the named route.
func (t *Table) Route(name string) (route.Route, bool) {
	r, ok := t.routes[name]
	return r, ok
}

// HopNames returns the configured hop names, sorted.
func (t *Table) HopNames() []string {
	return sortedKeys(t.hops)
}

// RouteNames returns the configured route names, sorted.
func (t *Table) RouteNames() []string {
	return sortedKeys(t.routes)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tables maps protocol names to their tables. A published Tables value is
// never modified.
type Tables map[string]*Table

// BuildTables validates spec and builds one table per protocol.
func BuildTables(spec route.Spec) (Tables, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	tables := make(Tables, len(spec.Tables))
	for _, ts := range spec.Tables {
		t, err := NewTable(ts)
		if err != nil {
			return nil, err
		}
		tables[ts.Protocol] = t
	}
	return tables, nil
}

// Table returns the table of protocol, or nil.
func (ts Tables) Table(protocol string) *Table {
	if ts == nil {
		return nil
	}
	return ts[protocol]
}
