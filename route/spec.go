package route

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/c360/mbus/errors"
)

// HopSpec configures a named hop. Selector is the hop text substituted when a
// route names this hop; Recipients are the candidates offered to the
// selector's policy.
type HopSpec struct {
	Name         string   `json:"name" yaml:"name"`
	Selector     string   `json:"selector" yaml:"selector"`
	Recipients   []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	IgnoreResult bool     `json:"ignore_result,omitempty" yaml:"ignore_result,omitempty"`
}

// RouteSpec configures a named route as an ordered list of hop texts.
type RouteSpec struct {
	Name string   `json:"name" yaml:"name"`
	Hops []string `json:"hops" yaml:"hops"`
}

// TableSpec holds the hops and routes of one protocol.
type TableSpec struct {
	Protocol string      `json:"protocol" yaml:"protocol"`
	Hops     []HopSpec   `json:"hops,omitempty" yaml:"hops,omitempty"`
	Routes   []RouteSpec `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Spec is the versioned routing document.
type Spec struct {
	Version string      `json:"version,omitempty" yaml:"version,omitempty"`
	Tables  []TableSpec `json:"tables" yaml:"tables"`
}

// Table returns the table for protocol.
func (s *Spec) Table(protocol string) (*TableSpec, bool) {
	for i := range s.Tables {
		if s.Tables[i].Protocol == protocol {
			return &s.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks every table and returns all problems found.
func (s *Spec) Validate() error {
	var errs error
	seen := make(map[string]bool, len(s.Tables))
	for i := range s.Tables {
		t := &s.Tables[i]
		if t.Protocol == "" {
			errs = multierr.Append(errs, fmt.Errorf("table %d: protocol is required", i))
			continue
		}
		if seen[t.Protocol] {
			errs = multierr.Append(errs, fmt.Errorf("table '%s': duplicate protocol", t.Protocol))
			continue
		}
		seen[t.Protocol] = true
		errs = multierr.Append(errs, t.Validate())
	}
	if errs != nil {
		return errors.WrapInvalid(errs, "Spec", "Validate", "routing spec validation")
	}
	return nil
}

// Validate checks names, hop syntax and route references of one table.
func (t *TableSpec) Validate() error {
	var errs error
	hops := make(map[string]bool, len(t.Hops))
	for _, h := range t.Hops {
		switch {
		case h.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("table '%s': hop name is required", t.Protocol))
			continue
		case hops[h.Name]:
			errs = multierr.Append(errs, fmt.Errorf("table '%s': duplicate hop '%s'", t.Protocol, h.Name))
			continue
		}
		hops[h.Name] = true
		if msg, bad := ParseHop(h.Selector).ErrorMessage(); bad {
			errs = multierr.Append(errs, fmt.Errorf("table '%s': hop '%s' selector: %s", t.Protocol, h.Name, msg))
		}
		for _, r := range h.Recipients {
			if msg, bad := ParseHop(r).ErrorMessage(); bad {
				errs = multierr.Append(errs, fmt.Errorf("table '%s': hop '%s' recipient '%s': %s", t.Protocol, h.Name, r, msg))
			}
		}
	}

	routes := make(map[string]bool, len(t.Routes))
	for _, r := range t.Routes {
		switch {
		case r.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("table '%s': route name is required", t.Protocol))
			continue
		case routes[r.Name]:
			errs = multierr.Append(errs, fmt.Errorf("table '%s': duplicate route '%s'", t.Protocol, r.Name))
			continue
		case len(r.Hops) == 0:
			errs = multierr.Append(errs, fmt.Errorf("table '%s': route '%s' has no hops", t.Protocol, r.Name))
		}
		routes[r.Name] = true
	}

	for _, r := range t.Routes {
		for _, text := range r.Hops {
			h := ParseHop(text)
			if msg, bad := h.ErrorMessage(); bad {
				errs = multierr.Append(errs, fmt.Errorf("table '%s': route '%s' hop '%s': %s", t.Protocol, r.Name, text, msg))
				continue
			}
			if ref, ok := h.RouteReference(); ok && !routes[ref] {
				errs = multierr.Append(errs, fmt.Errorf("table '%s': route '%s' references unknown route '%s'", t.Protocol, r.Name, ref))
			}
		}
	}
	for _, h := range t.Hops {
		if ref, ok := ParseHop(h.Selector).RouteReference(); ok && !routes[ref] {
			errs = multierr.Append(errs, fmt.Errorf("table '%s': hop '%s' references unknown route '%s'", t.Protocol, h.Name, ref))
		}
	}
	return errs
}
