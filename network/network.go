package network

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/c360/mbus/errors"
	"github.com/c360/mbus/health"
)

// Owner receives the packets that arrive for the node. The bus is the owner.
type Owner interface {
	DeliverPacket(p *Packet)
}

// Network moves packets between nodes and mirrors the services registered
// anywhere on it. Send and Reply are asynchronous: a nil error only means the
// packet left the node.
type Network interface {
	// Attach sets the owner. It must be called before Start.
	Attach(owner Owner)
	Start(ctx context.Context) error
	Close(ctx context.Context) error

	// Identity is the node name that prefixes every local service.
	Identity() string
	// RegisterSession publishes identity/name and returns that service name.
	RegisterSession(name string) (string, error)
	UnregisterSession(name string)

	// Send delivers a message packet to service. Unknown services fail with
	// a *errors.BusError carrying NoAddressForService.
	Send(ctx context.Context, p *Packet, service string) error
	// Reply delivers a reply packet to its ReplyTo address.
	Reply(ctx context.Context, p *Packet) error

	// Lookup lists the mirrored services matching pattern, sorted.
	Lookup(pattern string) []string

	Health() health.Status
}

// ServiceName joins a node identity and a session name.
func ServiceName(identity, session string) string {
	return identity + "/" + session
}

// SplitService returns the node identity and session of a service name.
func SplitService(service string) (identity, session string) {
	i := strings.LastIndexByte(service, '/')
	if i < 0 {
		return "", service
	}
	return service[:i], service[i+1:]
}

// ValidSessionName reports whether name can be registered.
func ValidSessionName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "/*?[]\\ ")
}

func matchServices(services []string, pattern string) []string {
	var out []string
	for _, s := range services {
		if ok, err := path.Match(pattern, s); err == nil && ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// WaitForServices polls n until at least count services match pattern.
func WaitForServices(ctx context.Context, n Network, pattern string, count int) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(n.Lookup(pattern)) >= count {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Network", "WaitForServices", "wait for "+pattern)
		case <-ticker.C:
		}
	}
}

func noAddress(service string) error {
	return errors.NewBusError(errors.NoAddressForService, "No address for service '%s'.", service)
}
