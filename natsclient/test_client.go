package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	defaultNATSImage = "nats:2.11.7-alpine"
	clientPort       = "4222/tcp"
	monitorPort      = "8222/tcp"
)

// TestServer is a NATS server in a container with one connected Client, for
// integration tests of the network and the config manager.
type TestServer struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type serverSpec struct {
	image      string
	jetStream  bool
	buckets    []string
	dialWithin time.Duration
	bootWithin time.Duration
}

// TestOption adjusts the server a test gets.
type TestOption func(*serverSpec)

// WithJetStream enables JetStream, which the KV registries need.
func WithJetStream() TestOption {
	return func(s *serverSpec) { s.jetStream = true }
}

// WithKVBuckets creates buckets up front. It implies JetStream.
func WithKVBuckets(buckets ...string) TestOption {
	return func(s *serverSpec) {
		s.jetStream = true
		s.buckets = append(s.buckets, buckets...)
	}
}

// WithImage selects the server image.
func WithImage(image string) TestOption {
	return func(s *serverSpec) { s.image = image }
}

func (s serverSpec) request() testcontainers.ContainerRequest {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if s.jetStream {
		cmd = append(cmd, "--js")
	}
	return testcontainers.ContainerRequest{
		Image:        s.image,
		ExposedPorts: []string{clientPort, monitorPort},
		Cmd:          cmd,
		WaitingFor: wait.ForAll(
			wait.ForListeningPort(clientPort),
			wait.ForHTTP("/healthz").WithPort(monitorPort).WithStartupTimeout(s.bootWithin),
		),
	}
}

// StartTestServer boots a server and connects a client to it. The caller
// owns the result and must call Terminate; tests use NewTestServer instead.
func StartTestServer(ctx context.Context, opts ...TestOption) (*TestServer, error) {
	spec := serverSpec{
		image:      defaultNATSImage,
		dialWithin: 5 * time.Second,
		bootWithin: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&spec)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: spec.request(),
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}
	ts := &TestServer{container: container}

	endpoint, err := container.PortEndpoint(ctx, clientPort, "nats")
	if err != nil {
		_ = ts.Terminate()
		return nil, fmt.Errorf("resolve NATS endpoint: %w", err)
	}
	ts.URL = endpoint

	dialCtx, cancel := context.WithTimeout(ctx, spec.dialWithin)
	defer cancel()
	if ts.Client, err = ts.NewClient(dialCtx, WithTimeouts(spec.dialWithin, 0)); err != nil {
		_ = ts.Terminate()
		return nil, err
	}

	for _, name := range spec.buckets {
		if _, err := ts.Client.EnsureBucket(ctx, jetstream.KeyValueConfig{Bucket: name}); err != nil {
			_ = ts.Terminate()
			return nil, fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	return ts, nil
}

// NewTestServer starts a server for t and terminates it when t ends.
func NewTestServer(t testing.TB, opts ...TestOption) *TestServer {
	t.Helper()

	ts, err := StartTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NATS test server: %v", err)
	}
	t.Cleanup(func() { _ = ts.Terminate() })
	return ts
}

// NewClient connects another client to the server. Reconnects and probing
// are off so a test sees failures at once. The caller closes it.
func (ts *TestServer) NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	opts = append([]Option{WithReconnect(0, 0), WithProbeInterval(0)}, opts...)
	client, err := NewClient(ts.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ts.URL, err)
	}
	return client, nil
}

// Terminate closes the client and removes the container. Calling it again
// does nothing.
func (ts *TestServer) Terminate() error {
	if ts.Client != nil {
		_ = ts.Client.Close(context.Background())
		ts.Client = nil
	}
	if ts.container == nil {
		return nil
	}
	err := ts.container.Terminate(context.Background())
	ts.container = nil
	return err
}
