// Package rpc holds the typed clients for the workspace supervisor, the
// control plane and the local companion. Each call family is a small
// interface; Conn implements all of them over one gRPC connection.
package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.olrik.dev/wharf/internal/core"
)

const (
	methodPortsStatus          = "/supervisor.StatusService/PortsStatus"
	methodTunnel               = "/supervisor.PortService/Tunnel"
	methodCloseTunnel          = "/supervisor.PortService/CloseTunnel"
	methodAutoTunnel           = "/supervisor.PortService/AutoTunnel"
	methodGetToken             = "/supervisor.TokenService/GetToken"
	methodSubscribe            = "/supervisor.NotificationService/Subscribe"
	methodRespond              = "/supervisor.NotificationService/Respond"
	methodOpenPort             = "/control.WorkspaceService/OpenPort"
	methodResolveSSHConnection = "/companion.CompanionService/ResolveSSHConnection"
	methodCompanionAutoTunnel  = "/companion.CompanionService/AutoTunnel"
)

// StatusClient streams port status snapshots
type StatusClient interface {
	PortsStatus(ctx context.Context) (Stream[PortsStatusResponse], error)
}

// PortClient manages tunnels of workspace ports
type PortClient interface {
	Tunnel(ctx context.Context, req TunnelPortRequest) error
	CloseTunnel(ctx context.Context, port int) error
	AutoTunnel(ctx context.Context, enabled bool) error
}

// ControlClient talks to the control plane that owns port exposure
type ControlClient interface {
	OpenPort(ctx context.Context, workspaceID string, port int, visibility Visibility) error
}

type TokenClient interface {
	GetToken(ctx context.Context, host string, scopes []string) (string, error)
}

// NotificationClient receives server-pushed notifications and answers them
type NotificationClient interface {
	Subscribe(ctx context.Context) (Stream[Notification], error)
	Respond(ctx context.Context, requestID uint64, action string) error
}

// CompanionClient is the API of the local companion process
type CompanionClient interface {
	ResolveSSHConnection(ctx context.Context, instanceID, workspaceID string) (SSHConnection, error)
	AutoTunnel(ctx context.Context, instanceID string, enabled bool) error
}

// Deadlines are the per-call time budgets, by call class
type Deadlines struct {
	Short  time.Duration
	Normal time.Duration
	Long   time.Duration
}

// DefaultDeadlines returns the stock deadline classes
func DefaultDeadlines() Deadlines {
	return Deadlines{
		Short:  5 * time.Second,
		Normal: 15 * time.Second,
		Long:   30 * time.Second,
	}
}

// Conn is a gRPC connection carrying JSON messages
type Conn struct {
	cc        grpc.ClientConnInterface
	closer    func() error
	deadlines Deadlines
}

type dialConfig struct {
	token     TokenFunc
	deadlines Deadlines
	extra     []grpc.DialOption
}

// DialOption configures Dial
type DialOption func(*dialConfig)

// WithToken attaches a bearer credential to every call
func WithToken(token TokenFunc) DialOption {
	return func(c *dialConfig) { c.token = token }
}

func WithDeadlines(d Deadlines) DialOption {
	return func(c *dialConfig) { c.deadlines = d }
}

// WithGRPCOptions appends raw gRPC dial options, e.g. a custom dialer
func WithGRPCOptions(opts ...grpc.DialOption) DialOption {
	return func(c *dialConfig) { c.extra = append(c.extra, opts...) }
}

// Dial creates a client for target. No I/O happens until the first call.
func Dial(target string, opts ...DialOption) (*Conn, error) {
	cfg := dialConfig{deadlines: DefaultDeadlines()}
	for _, opt := range opts {
		opt(&cfg)
	}

	dopts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{})),
		grpc.WithUserAgent(core.UserAgent()),
	}
	if cfg.token != nil {
		dopts = append(dopts, grpc.WithPerRPCCredentials(bearerCredentials{token: cfg.token}))
	}
	dopts = append(dopts, cfg.extra...)

	cc, err := grpc.NewClient(target, dopts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}

	return &Conn{cc: cc, closer: cc.Close, deadlines: cfg.deadlines}, nil
}

// Close releases the connection
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Conn) invoke(ctx context.Context, deadline time.Duration, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return c.cc.Invoke(ctx, method, req, resp)
}

func (c *Conn) PortsStatus(ctx context.Context) (Stream[PortsStatusResponse], error) {
	return openStream[PortsStatusResponse](ctx, c.cc, methodPortsStatus, &PortsStatusRequest{Observe: true})
}

func (c *Conn) Tunnel(ctx context.Context, req TunnelPortRequest) error {
	return c.invoke(ctx, c.deadlines.Normal, methodTunnel, &req, &Empty{})
}

func (c *Conn) CloseTunnel(ctx context.Context, port int) error {
	return c.invoke(ctx, c.deadlines.Normal, methodCloseTunnel, &CloseTunnelRequest{Port: port}, &Empty{})
}

func (c *Conn) AutoTunnel(ctx context.Context, enabled bool) error {
	return c.invoke(ctx, c.deadlines.Normal, methodAutoTunnel, &AutoTunnelRequest{Enabled: enabled}, &Empty{})
}

func (c *Conn) OpenPort(ctx context.Context, workspaceID string, port int, visibility Visibility) error {
	req := &OpenPortRequest{WorkspaceID: workspaceID, Port: port, Visibility: visibility}
	return c.invoke(ctx, c.deadlines.Normal, methodOpenPort, req, &Empty{})
}

func (c *Conn) GetToken(ctx context.Context, host string, scopes []string) (string, error) {
	var resp GetTokenResponse
	if err := c.invoke(ctx, c.deadlines.Short, methodGetToken, &GetTokenRequest{Host: host, Scopes: scopes}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Conn) Subscribe(ctx context.Context) (Stream[Notification], error) {
	return openStream[Notification](ctx, c.cc, methodSubscribe, &SubscribeRequest{})
}

func (c *Conn) Respond(ctx context.Context, requestID uint64, action string) error {
	return c.invoke(ctx, c.deadlines.Normal, methodRespond, &RespondRequest{RequestID: requestID, Action: action}, &Empty{})
}

// ResolveSSHConnection may trigger an interactive login in the companion,
// so it gets the long deadline.
func (c *Conn) ResolveSSHConnection(ctx context.Context, instanceID, workspaceID string) (SSHConnection, error) {
	var resp SSHConnection
	req := &ResolveSSHConnectionRequest{InstanceID: instanceID, WorkspaceID: workspaceID}
	if err := c.invoke(ctx, c.deadlines.Long, methodResolveSSHConnection, req, &resp); err != nil {
		return SSHConnection{}, err
	}
	return resp, nil
}

// CompanionConn adapts a Conn to the companion's API, whose AutoTunnel is
// keyed by instance.
type CompanionConn struct {
	*Conn
}

func (c CompanionConn) AutoTunnel(ctx context.Context, instanceID string, enabled bool) error {
	req := &CompanionAutoTunnelRequest{InstanceID: instanceID, Enabled: enabled}
	return c.invoke(ctx, c.deadlines.Normal, methodCompanionAutoTunnel, req, &Empty{})
}
