package policy

import (
	"strings"

	"github.com/c360/mbus/route"
	"github.com/c360/mbus/routing"
)

// Names of the built-in policies.
const (
	NameAll        = "All"
	NameRoundRobin = "RoundRobin"
	NameHash       = "Hash"
	NameError      = "Error"
)

// Factories returns a fresh registry of the built-in policy factories, keyed
// by name. Protocols may add their own before handing it to Creator.
func Factories() map[string]routing.PolicyFactory {
	return map[string]routing.PolicyFactory{
		NameAll:        func(param string) (routing.Policy, error) { return NewAll(param), nil },
		NameRoundRobin: func(param string) (routing.Policy, error) { return NewRoundRobin(param), nil },
		NameHash:       func(param string) (routing.Policy, error) { return NewHash(param), nil },
		NameError:      func(param string) (routing.Policy, error) { return NewError(param), nil },
	}
}

// candidates returns the hops a selecting policy chooses among, first found
// of: recipients matching the current hop, all configured recipients, the
// ';' separated hops in param, live services matching the hop with the
// policy replaced by '*'.
func candidates(ctx *routing.Context, param string) []route.Hop {
	if hops := ctx.MatchingRecipients(); len(hops) > 0 {
		return hops
	}
	if hops := ctx.Recipients(); len(hops) > 0 {
		return hops
	}
	var hops []route.Hop
	if param != "" {
		for _, s := range strings.Split(param, ";") {
			if s = strings.TrimSpace(s); s != "" {
				hops = append(hops, route.ParseHop(s))
			}
		}
		return hops
	}
	for _, s := range ctx.LookupServices(ctx.HopPrefix() + "*" + ctx.HopSuffix()) {
		hops = append(hops, route.ParseHop(s))
	}
	return hops
}
