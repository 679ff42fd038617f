package ports

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.olrik.dev/wharf/internal/rpc"
)

// IconStatus is the coarse display state of a port
type IconStatus string

const (
	NotServed      IconStatus = "NotServed"
	Detecting      IconStatus = "Detecting"
	ExposureFailed IconStatus = "ExposureFailed"
	Served         IconStatus = "Served"
)

// ThemeIcon names an icon and the colour to draw it in
type ThemeIcon struct {
	ID    string `json:"id"`
	Color string `json:"color,omitempty"`
}

// PortInfo is the display model of a port
type PortInfo struct {
	Label        string     `json:"label"`
	Tooltip      string     `json:"tooltip"`
	Description  string     `json:"description"`
	IconStatus   IconStatus `json:"iconStatus"`
	Icon         ThemeIcon  `json:"icon"`
	ContextValue string     `json:"contextValue"`
	LocalURL     string     `json:"localUrl"`
}

// Address is a tunnel's local bind address: either host and port, or an
// opaque string such as a URL.
type Address struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
	Raw  string `json:"raw,omitempty"`
}

func (a Address) String() string {
	if a.Raw != "" {
		return a.Raw
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// port extracts the port number, or 0 when there is none
func (a Address) port() int {
	if a.Raw == "" {
		return a.Port
	}
	if u, err := url.Parse(a.Raw); err == nil && u.Port() != "" {
		if n, err := strconv.Atoi(u.Port()); err == nil {
			return n
		}
	}
	if _, p, err := net.SplitHostPort(a.Raw); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}

// Tunnel forwards a remote workspace port to a local address
type Tunnel struct {
	RemoteHost   string  `json:"remoteHost"`
	RemotePort   int     `json:"remotePort"`
	LocalAddress Address `json:"localAddress"`
	Public       bool    `json:"public"`
}

// WorkspacePort merges a port's latest status with its tunnel, if any
type WorkspacePort struct {
	Number int            `json:"number"`
	Status rpc.PortStatus `json:"status"`
	Tunnel *Tunnel        `json:"tunnel,omitempty"`
	Info   PortInfo       `json:"info"`
}

func newWorkspacePort(number int) *WorkspacePort {
	return &WorkspacePort{Number: number}
}

func (p *WorkspacePort) update(status rpc.PortStatus, tunnel *Tunnel) {
	p.Status = status
	p.Tunnel = tunnel
	p.Info = p.parseInfo()
}

// LocalURL is where the port is served inside the workspace
func (p *WorkspacePort) LocalURL() string {
	return "http://localhost:" + strconv.Itoa(p.Number)
}

// RemotePort is the local port of the port's tunnel, or 0 without a tunnel
func (p *WorkspacePort) RemotePort() int {
	if p.Tunnel == nil {
		return 0
	}
	return p.Tunnel.LocalAddress.port()
}

// ExternalURL prefers the tunnel's address, then the exposed URL, then the local URL
func (p *WorkspacePort) ExternalURL() string {
	if p.Tunnel != nil {
		addr := p.Tunnel.LocalAddress.String()
		if strings.HasPrefix(addr, "http") {
			return addr
		}
		return "http://" + addr
	}
	if p.Status.Exposed != nil && p.Status.Exposed.URL != "" {
		return p.Status.Exposed.URL
	}
	return p.LocalURL()
}

// ExposedServed reports whether the port is both served and exposed
func (p *WorkspacePort) ExposedServed() bool {
	return p.Status.Served && p.Status.Exposed != nil
}

func (p *WorkspacePort) clone() WorkspacePort {
	c := *p
	if p.Tunnel != nil {
		t := *p.Tunnel
		c.Tunnel = &t
	}
	if p.Status.Exposed != nil {
		e := *p.Status.Exposed
		c.Status.Exposed = &e
	}
	return c
}

func (p *WorkspacePort) parseInfo() PortInfo {
	st := p.Status
	info := PortInfo{
		IconStatus: NotServed,
		LocalURL:   p.LocalURL(),
	}

	if st.Name != "" {
		info.Label = fmt.Sprintf("%s: %d", st.Name, p.Number)
	} else {
		info.Label = strconv.Itoa(p.Number)
	}
	if st.Description != "" {
		if st.Name != "" {
			info.Tooltip = st.Name + " - " + st.Description
		} else {
			info.Tooltip = st.Description
		}
	}
	if remote := p.RemotePort(); remote != 0 && remote != p.Number {
		info.Label += ":" + strconv.Itoa(remote)
	}

	exposed := st.Exposed
	tunnel := p.Tunnel
	accessible := exposed != nil || tunnel != nil
	failed := st.AutoExposure == rpc.AutoExposureFailed

	switch {
	case !st.Served:
		info.Description = "not served"
		info.Icon = ThemeIcon{ID: "circle-outline"}
		info.IconStatus = NotServed
	case !accessible && failed:
		info.Description = "failed to expose"
		info.Icon = ThemeIcon{ID: "warning", Color: "editorWarning.foreground"}
		info.IconStatus = ExposureFailed
	case !accessible:
		info.Description = "detecting..."
		info.Icon = ThemeIcon{ID: "circle-filled", Color: "editorWarning.foreground"}
		info.IconStatus = Detecting
	default:
		info.Description = "open"
		if tunnel != nil {
			if tunnel.Public {
				info.Description += " on all interfaces"
			} else {
				info.Description += " on localhost"
			}
		}
		if exposed != nil {
			if exposed.Visibility == rpc.VisibilityPublic {
				info.Description += " (public)"
			} else {
				info.Description += " (private)"
			}
		}
		info.Icon = ThemeIcon{ID: "circle-filled", Color: "ports.iconRunningProcessForeground"}
		info.IconStatus = Served
	}

	info.ContextValue = contextValue(st, tunnel, accessible, failed)
	return info
}

// contextValue prefixes flags onto "port" in a fixed order, so a served,
// public, network-tunnelled port is always network-tunneled-public-exposed-served-port.
func contextValue(st rpc.PortStatus, tunnel *Tunnel, accessible, failed bool) string {
	v := "port"
	if st.Served {
		v = "served-" + v
	}
	if st.Exposed != nil {
		v = "exposed-" + v
		if st.Exposed.Visibility == rpc.VisibilityPublic {
			v = "public-" + v
		} else {
			v = "private-" + v
		}
	}
	if tunnel != nil {
		v = "tunneled-" + v
		if tunnel.Public {
			v = "network-" + v
		} else {
			v = "host-" + v
		}
	}
	if !accessible && failed {
		v = "failed-" + v
	}
	return v
}
