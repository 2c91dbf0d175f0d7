// Command mbussend sends simple messages through the bus and prints one JSON
// line per reply. It joins the network as its own node; when NATS is
// disabled it also starts the configured sessions so a single config file
// can be exercised end to end.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mbus/bus"
	"github.com/c360/mbus/config"
	mbuserrors "github.com/c360/mbus/errors"
	"github.com/c360/mbus/message"
	"github.com/c360/mbus/node"
	"github.com/c360/mbus/protocol/simple"
	"github.com/c360/mbus/route"
	"github.com/c360/mbus/throttle"
)

const appName = "mbussend"

// options holds the command line.
type options struct {
	configs   []string
	identity  string
	route     string
	routeName string
	count     int
	timeout   time.Duration
	trace     int
	sequence  uint64
	noRetry   bool
	logLevel  string
	values    []string
}

// errRepliesFailed reports that at least one reply carried errors.
var errRepliesFailed = errors.New("one or more replies carried errors")

func main() {
	err := run(os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errRepliesFailed):
		os.Exit(1)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(2)
	}
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	var configs string

	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configs, "c", os.Getenv("MBUS_CONFIG"), "Comma separated config layers (env: MBUS_CONFIG)")
	fs.StringVar(&o.identity, "identity", "", "Node identity (default mbussend-<random>)")
	fs.StringVar(&o.route, "route", "", "Route to send along, e.g. 'node-a/echo' or 'relay ?audit'")
	fs.StringVar(&o.routeName, "route-name", "", "Name of a configured route to send along")
	fs.IntVar(&o.count, "n", 1, "Number of times to send each value")
	fs.DurationVar(&o.timeout, "timeout", 0, "Per-message timeout (default from config)")
	fs.IntVar(&o.trace, "trace", 0, "Trace level, 0 disables tracing")
	fs.Uint64Var(&o.sequence, "sequence", 0, "Sequence id; messages with the same id are delivered one at a time")
	fs.BoolVar(&o.noRetry, "no-retry", false, "Disable resending on transient errors")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "Usage: %s [options] value...\n\nOptions:\n", appName)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configs, ",") {
		if p = strings.TrimSpace(p); p != "" {
			o.configs = append(o.configs, p)
		}
	}
	o.values = fs.Args()
	if len(o.values) == 0 {
		o.values = []string{"ping"}
	}
	if o.identity == "" {
		o.identity = appName + "-" + uuid.NewString()[:8]
	}

	switch {
	case o.route == "" && o.routeName == "":
		return nil, fmt.Errorf("one of -route or -route-name is required")
	case o.route != "" && o.routeName != "":
		return nil, fmt.Errorf("-route and -route-name are exclusive")
	case o.count < 1:
		return nil, fmt.Errorf("-n must be at least 1")
	case o.trace < 0 || o.trace > 9:
		return nil, fmt.Errorf("-trace must be between 0 and 9")
	}
	return o, nil
}

func run(args []string, stdout, stderr io.Writer) error {
	o, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.NewLoader(config.WithValidation()).Load(o.configs...)
	if err != nil {
		return err
	}
	if cfg.NATS.Enabled {
		// Do not take over the sessions of the node the config describes.
		cfg.Sessions = nil
	}
	cfg.Identity = o.identity

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = n.Close(context.Background()) }()
	if err := n.StartSessions(); err != nil {
		return err
	}

	return send(ctx, n.Bus(), cfg.Throttle, o, newPrinter(stdout))
}

// send sends every value o.count times and waits for all replies.
func send(ctx context.Context, b *bus.MessageBus, tc throttle.Config, o *options, out *printer) error {
	policy, err := throttle.FromConfig(tc, b.Clock())
	if err != nil {
		return err
	}

	replies := make(chan message.Reply, 64)
	src, err := b.CreateSourceSession(bus.SourceParams{
		Name:     "send",
		Throttle: policy,
		Timeout:  o.timeout,
		ReplyHandler: message.ReplyHandlerFunc(func(_ context.Context, r message.Reply) {
			replies <- r
		}),
	})
	if err != nil {
		return err
	}
	defer src.Destroy()

	var r route.Route
	if o.route != "" {
		r = route.ParseRoute(o.route)
	}

	total := o.count * len(o.values)
	sent, received, failed := 0, 0, 0

	receive := func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reply := <-replies:
			received++
			if reply.HasErrors() {
				failed++
			}
			return out.print(reply)
		}
	}

	for i := 0; i < o.count; i++ {
		for _, v := range o.values {
			msg := simple.NewMessage(v)
			if o.sequence > 0 {
				msg = simple.NewSequencedMessage(v, o.sequence)
			}
			msg.SetRetryEnabled(!o.noRetry)
			if o.trace > 0 {
				msg.Trace().SetLevel(o.trace)
			}

			for {
				var res bus.Result
				if o.routeName != "" {
					res = src.SendRoute(msg, o.routeName)
				} else {
					res = src.Send(msg, r)
				}
				if res.Accepted {
					sent++
					break
				}
				if res.Error.Code != mbuserrors.SendQueueFull || received == sent {
					return res.Error.Err()
				}
				// Window full: wait for a reply to free a slot.
				if err := receive(); err != nil {
					return err
				}
			}
		}
	}

	for received < total {
		if err := receive(); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, total, errRepliesFailed)
	}
	return nil
}
