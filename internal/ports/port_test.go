package ports

import (
	"testing"

	"go.olrik.dev/wharf/internal/rpc"
)

func TestParseInfo(t *testing.T) {
	tests := []struct {
		name        string
		status      rpc.PortStatus
		tunnel      *Tunnel
		label       string
		tooltip     string
		description string
		icon        IconStatus
		context     string
	}{
		{
			name:        "not served",
			status:      rpc.PortStatus{LocalPort: 3000},
			label:       "3000",
			description: "not served",
			icon:        NotServed,
			context:     "port",
		},
		{
			name:        "detecting",
			status:      rpc.PortStatus{LocalPort: 3000, Served: true, AutoExposure: rpc.AutoExposureDetecting},
			label:       "3000",
			description: "detecting...",
			icon:        Detecting,
			context:     "served-port",
		},
		{
			name:        "exposure failed",
			status:      rpc.PortStatus{LocalPort: 3000, Served: true, AutoExposure: rpc.AutoExposureFailed},
			label:       "3000",
			description: "failed to expose",
			icon:        ExposureFailed,
			context:     "failed-served-port",
		},
		{
			name: "named and public",
			status: rpc.PortStatus{
				LocalPort:   8080,
				Served:      true,
				Name:        "web",
				Description: "frontend dev server",
				Exposed:     &rpc.ExposedPort{Visibility: rpc.VisibilityPublic, URL: "https://8080-ws.example.com"},
			},
			label:       "web: 8080",
			tooltip:     "web - frontend dev server",
			description: "open (public)",
			icon:        Served,
			context:     "public-exposed-served-port",
		},
		{
			name: "private and host tunnelled",
			status: rpc.PortStatus{
				LocalPort: 5432,
				Served:    true,
				Exposed:   &rpc.ExposedPort{Visibility: rpc.VisibilityPrivate, URL: "https://5432-ws.example.com"},
			},
			tunnel:      &Tunnel{RemotePort: 5432, LocalAddress: Address{Host: "localhost", Port: 15432}},
			label:       "5432:15432",
			description: "open on localhost (private)",
			icon:        Served,
			context:     "host-tunneled-private-exposed-served-port",
		},
		{
			name:        "tunnel only",
			status:      rpc.PortStatus{LocalPort: 9000, Served: true, AutoExposure: rpc.AutoExposureFailed},
			tunnel:      &Tunnel{RemotePort: 9000, LocalAddress: Address{Host: "0.0.0.0", Port: 9000}, Public: true},
			label:       "9000",
			description: "open on all interfaces",
			icon:        Served,
			context:     "network-tunneled-served-port",
		},
		{
			name:        "description without name",
			status:      rpc.PortStatus{LocalPort: 1234, Description: "debugger"},
			label:       "1234",
			tooltip:     "debugger",
			description: "not served",
			icon:        NotServed,
			context:     "port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newWorkspacePort(tt.status.LocalPort)
			p.update(tt.status, tt.tunnel)

			if p.Info.Label != tt.label {
				t.Errorf("Label = %q, want %q", p.Info.Label, tt.label)
			}
			if p.Info.Tooltip != tt.tooltip {
				t.Errorf("Tooltip = %q, want %q", p.Info.Tooltip, tt.tooltip)
			}
			if p.Info.Description != tt.description {
				t.Errorf("Description = %q, want %q", p.Info.Description, tt.description)
			}
			if p.Info.IconStatus != tt.icon {
				t.Errorf("IconStatus = %q, want %q", p.Info.IconStatus, tt.icon)
			}
			if p.Info.ContextValue != tt.context {
				t.Errorf("ContextValue = %q, want %q", p.Info.ContextValue, tt.context)
			}
		})
	}
}

func TestContextValue_FullOrder(t *testing.T) {
	p := newWorkspacePort(3000)
	p.update(rpc.PortStatus{
		LocalPort: 3000,
		Served:    true,
		Exposed:   &rpc.ExposedPort{Visibility: rpc.VisibilityPublic, URL: "https://x"},
	}, &Tunnel{RemotePort: 3000, LocalAddress: Address{Host: "0.0.0.0", Port: 3000}, Public: true})

	if want := "network-tunneled-public-exposed-served-port"; p.Info.ContextValue != want {
		t.Errorf("ContextValue = %q, want %q", p.Info.ContextValue, want)
	}
}

func TestRemotePort(t *testing.T) {
	tests := []struct {
		name   string
		tunnel *Tunnel
		want   int
	}{
		{"no tunnel", nil, 0},
		{"host and port", &Tunnel{LocalAddress: Address{Host: "localhost", Port: 4000}}, 4000},
		{"url string", &Tunnel{LocalAddress: Address{Raw: "http://localhost:4001"}}, 4001},
		{"host:port string", &Tunnel{LocalAddress: Address{Raw: "127.0.0.1:4002"}}, 4002},
		{"unparseable string", &Tunnel{LocalAddress: Address{Raw: "not an address"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &WorkspacePort{Number: 3000, Tunnel: tt.tunnel}
			if got := p.RemotePort(); got != tt.want {
				t.Errorf("RemotePort() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExternalURL(t *testing.T) {
	exposed := rpc.PortStatus{LocalPort: 3000, Served: true, Exposed: &rpc.ExposedPort{URL: "https://3000-ws.example.com"}}

	tests := []struct {
		name   string
		status rpc.PortStatus
		tunnel *Tunnel
		want   string
	}{
		{"tunnel address", exposed, &Tunnel{LocalAddress: Address{Host: "localhost", Port: 3000}}, "http://localhost:3000"},
		{"tunnel url", exposed, &Tunnel{LocalAddress: Address{Raw: "https://localhost:3000"}}, "https://localhost:3000"},
		{"exposed url", exposed, nil, "https://3000-ws.example.com"},
		{"local url", rpc.PortStatus{LocalPort: 3000}, nil, "http://localhost:3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newWorkspacePort(3000)
			p.update(tt.status, tt.tunnel)
			if got := p.ExternalURL(); got != tt.want {
				t.Errorf("ExternalURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
