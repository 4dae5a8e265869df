package transport

import (
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/onemcp/onemcp-go/internal/apperr"
	"github.com/onemcp/onemcp-go/internal/config"
)

// checkCircular refuses specs that would make the proxy connect to itself:
// a stdio command resolving to this executable with this config file, or an
// http/sse URL hitting our own listen address on the MCP endpoint.
func (f *Factory) checkCircular(spec *Spec) error {
	switch spec.Kind {
	case config.KindStdio:
		if f.selfExe == "" || f.configPath == "" {
			return nil
		}
		resolved := spec.Command
		if !filepath.IsAbs(resolved) {
			p, err := exec.LookPath(resolved)
			if err != nil {
				return nil
			}
			resolved = p
		}
		if abs, err := filepath.Abs(resolved); err == nil {
			resolved = abs
		}
		if resolved != f.selfExe {
			return nil
		}
		for _, arg := range spec.Args {
			if abs, err := filepath.Abs(arg); err == nil && abs == f.configPath {
				return apperr.ClientConnection(spec.Name,
					fmt.Errorf("circular dependency: stdio command launches this proxy with config %s", arg))
			}
		}

	case config.KindHTTP, config.KindSSE:
		if f.listenAddr == "" {
			return nil
		}
		u, err := url.Parse(spec.URL)
		if err != nil {
			return nil
		}
		if !f.targetsListenAddr(u) {
			return nil
		}
		if strings.TrimSuffix(u.Path, "/") == "/mcp" {
			return apperr.ClientConnection(spec.Name,
				fmt.Errorf("circular dependency: url %s targets this proxy", spec.URL))
		}
	}
	return nil
}

func (f *Factory) targetsListenAddr(u *url.URL) bool {
	listenHost, listenPort, err := net.SplitHostPort(f.listenAddr)
	if err != nil {
		return false
	}

	urlPort := u.Port()
	if urlPort == "" {
		if u.Scheme == "https" {
			urlPort = "443"
		} else {
			urlPort = "80"
		}
	}
	if urlPort != listenPort {
		return false
	}

	urlHost := u.Hostname()
	switch listenHost {
	case "", "0.0.0.0", "::":
		return isLoopbackHost(urlHost)
	}
	if urlHost == listenHost {
		return true
	}
	return isLoopbackHost(urlHost) && isLoopbackHost(listenHost)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
