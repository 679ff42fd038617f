package rpc

// Visibility is who may reach an exposed port
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// AutoExposure is the server's progress on exposing a served port by itself
type AutoExposure string

const (
	AutoExposureDetecting AutoExposure = "detecting"
	AutoExposureSucceeded AutoExposure = "succeeded"
	AutoExposureFailed    AutoExposure = "failed"
)

// TunnelVisibility is where a tunnelled port listens locally
type TunnelVisibility string

const (
	TunnelVisibilityNone    TunnelVisibility = "none"
	TunnelVisibilityHost    TunnelVisibility = "host"
	TunnelVisibilityNetwork TunnelVisibility = "network"
)

func (v TunnelVisibility) Valid() bool {
	return v == TunnelVisibilityNone || v == TunnelVisibilityHost || v == TunnelVisibilityNetwork
}

// ExposedPort describes how a port is reachable from the internet
type ExposedPort struct {
	Visibility Visibility `json:"visibility"`
	URL        string     `json:"url"`
}

// PortStatus is one entry of a port status snapshot
type PortStatus struct {
	LocalPort    int          `json:"localPort"`
	Served       bool         `json:"served"`
	Name         string       `json:"name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Exposed      *ExposedPort `json:"exposed,omitempty"`
	AutoExposure AutoExposure `json:"autoExposure,omitempty"`
}

// PortsStatusRequest asks for the current port list, optionally as a feed
type PortsStatusRequest struct {
	Observe bool `json:"observe"`
}

// PortsStatusResponse is a full snapshot, never a delta
type PortsStatusResponse struct {
	Ports []PortStatus `json:"ports"`
}

type TunnelPortRequest struct {
	Port       int              `json:"port"`
	TargetPort int              `json:"targetPort"`
	Visibility TunnelVisibility `json:"visibility"`
	ClientID   string           `json:"clientId,omitempty"`
}

type CloseTunnelRequest struct {
	Port int `json:"port"`
}

type AutoTunnelRequest struct {
	Enabled bool `json:"enabled"`
}

type OpenPortRequest struct {
	WorkspaceID string     `json:"workspaceId"`
	Port        int        `json:"port"`
	Visibility  Visibility `json:"visibility"`
}

type GetTokenRequest struct {
	Host   string   `json:"host"`
	Scopes []string `json:"scopes,omitempty"`
}

type GetTokenResponse struct {
	Token string `json:"token"`
}

// Notification is a server-pushed message that may ask the user to pick an action
type Notification struct {
	RequestID uint64   `json:"requestId"`
	Level     string   `json:"level"`
	Message   string   `json:"message"`
	Actions   []string `json:"actions,omitempty"`
}

type SubscribeRequest struct{}

type RespondRequest struct {
	RequestID uint64 `json:"requestId"`
	Action    string `json:"action"`
}

type ResolveSSHConnectionRequest struct {
	InstanceID  string `json:"instanceId"`
	WorkspaceID string `json:"workspaceId"`
}

// SSHConnection is what the companion hands back for connecting to a workspace
type SSHConnection struct {
	Host       string `json:"host"`
	ConfigFile string `json:"configFile"`
}

type CompanionAutoTunnelRequest struct {
	InstanceID string `json:"instanceId"`
	Enabled    bool   `json:"enabled"`
}

// Empty is the response of calls that return nothing
type Empty struct{}
