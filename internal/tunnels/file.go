// Package tunnels loads the user's tunnel list and keeps the port engine
// up to date with it.
package tunnels

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"go.olrik.dev/wharf/internal/ports"
)

// Source lists the currently established tunnels
type Source interface {
	Tunnels(ctx context.Context) ([]ports.Tunnel, error)
}

// FileSource reads tunnels from a YAML file:
//
//	tunnels:
//	  - remote: {host: localhost, port: 3000}
//	    local: 127.0.0.1:3000
//	  - remote: {port: 8080}
//	    local: {host: 0.0.0.0, port: 18080}
//	    public: true
//
// A missing file is an empty list.
type FileSource struct {
	Path string
}

type fileFormat struct {
	Tunnels []fileTunnel `yaml:"tunnels"`
}

type fileTunnel struct {
	Remote remoteAddress `yaml:"remote"`
	Local  localAddress  `yaml:"local"`
	Public bool          `yaml:"public"`
}

type remoteAddress struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// localAddress is either "host:port"/URL text or a host/port mapping
type localAddress struct {
	ports.Address
}

func (a *localAddress) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		a.Raw = node.Value
		return nil
	case yaml.MappingNode:
		var hp struct {
			Host string `yaml:"host"`
			Port int    `yaml:"port"`
		}
		if err := node.Decode(&hp); err != nil {
			return err
		}
		a.Host, a.Port = hp.Host, hp.Port
		return nil
	}
	return fmt.Errorf("line %d: local address must be a string or a host/port mapping", node.Line)
}

func (f *FileSource) Tunnels(ctx context.Context) ([]ports.Tunnel, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnels: %w", err)
	}
	return Parse(data)
}

// Parse decodes a tunnel list
func Parse(data []byte) ([]ports.Tunnel, error) {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tunnels: %w", err)
	}

	tunnels := make([]ports.Tunnel, 0, len(file.Tunnels))
	for i, t := range file.Tunnels {
		if t.Remote.Port < 1 || t.Remote.Port > 65535 {
			return nil, fmt.Errorf("tunnel %d: invalid remote port %d", i, t.Remote.Port)
		}
		host := t.Remote.Host
		if host == "" {
			host = "localhost"
		}
		local := t.Local.Address
		if local == (ports.Address{}) {
			local = ports.Address{Host: "127.0.0.1", Port: t.Remote.Port}
		}
		tunnels = append(tunnels, ports.Tunnel{
			RemoteHost:   host,
			RemotePort:   t.Remote.Port,
			LocalAddress: local,
			Public:       t.Public,
		})
	}
	return tunnels, nil
}
