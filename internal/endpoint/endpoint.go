// Package endpoint resolves where the taskroom control API listens and where
// clients connect.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvVar overrides the default endpoint for both the server and clients.
const EnvVar = "TASKROOM_HOST"

const (
	DefaultSystemSocketPath = "/var/run/taskroom/taskroom.sock"
	DefaultHTTPPort         = "7777"
	DefaultHTTPSPort        = "7443"
	DefaultTSNetHostname    = "taskroom"
)

type Endpoint struct {
	Scheme string
	// Address is the socket path for unix endpoints and the original URL
	// otherwise.
	Address string
	BaseURL string
	// HostPort is the TCP address for http, https and tsnet endpoints.
	HostPort string

	TSNetHostname string
	TSNetPort     int
}

func (e Endpoint) Network() string {
	if e.Scheme == "unix" {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case "unix":
		return "unix://" + e.Address
	case "tsnet":
		return fmt.Sprintf("tsnet://%s:%d", e.TSNetHostname, e.TSNetPort)
	default:
		return e.BaseURL
	}
}

var (
	endpointStat    = os.Stat
	endpointGeteuid = os.Geteuid
)

func unixEndpoint(path string) Endpoint {
	return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}
}

func defaultListenEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "taskroom")
	}
	return unixEndpoint(filepath.Join(runtimeDir, "taskroom", "taskroom.sock"))
}

// defaultClientEndpoint prefers the system socket for root when a system
// service is running.
func defaultClientEndpoint() Endpoint {
	if endpointGeteuid() == 0 {
		if st, err := endpointStat(DefaultSystemSocketPath); err == nil && !st.IsDir() && st.Mode()&os.ModeSocket != 0 {
			return unixEndpoint(DefaultSystemSocketPath)
		}
	}
	return defaultListenEndpoint()
}

func Default() Endpoint {
	return defaultListenEndpoint()
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(EnvVar))
	}
	if value == "" {
		if listen {
			return defaultListenEndpoint(), nil
		}
		return defaultClientEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if !filepath.IsAbs(path) {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q (expected an absolute socket path)", value)
		}
		return unixEndpoint(path), nil
	case strings.HasPrefix(value, "/"):
		return unixEndpoint(value), nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		return resolveURL(value)
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet endpoint %q can only be used with serve --listen; connect with http://<hostname>:<port> over the tailnet", value)
		}
		return resolveTSNet(value)
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, https://, tsnet://, or absolute unix socket path)", value)
	}
}

// resolveTSNet parses tsnet://[hostname][:port]. The listener joins the
// tailnet as hostname and serves plain HTTP on port.
func resolveTSNet(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: paths and queries are not supported", value)
	}
	hostname := u.Hostname()
	if hostname == "" {
		hostname = DefaultTSNetHostname
	}
	rawPort := u.Port()
	if rawPort == "" {
		rawPort = DefaultHTTPPort
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: port must be between 1 and 65535", value)
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       value,
		BaseURL:       "http://" + net.JoinHostPort(hostname, strconv.Itoa(port)),
		HostPort:      ":" + strconv.Itoa(port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}

func resolveURL(value string) (Endpoint, error) {
	u, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", value, err)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", value)
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: paths and queries are not supported", value)
	}
	port := u.Port()
	if port == "" {
		port = DefaultHTTPPort
		if u.Scheme == "https" {
			port = DefaultHTTPSPort
		}
	}
	hostPort := net.JoinHostPort(u.Hostname(), port)
	return Endpoint{
		Scheme:   u.Scheme,
		Address:  value,
		BaseURL:  u.Scheme + "://" + hostPort,
		HostPort: hostPort,
	}, nil
}
