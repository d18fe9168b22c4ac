// Package egress describes the network paths used to reach the exchange and
// classifies the failures seen on them.
package egress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"pricecore/config"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindHTTP   Kind = "http"
	KindHTTPS  Kind = "https"
	KindSOCKS5 Kind = "socks5"
)

// Route is one candidate network path. Routes are resolved once at start-up
// and never mutated.
type Route struct {
	Name     string
	Kind     Kind
	Host     string
	Port     int
	Username string
	Password string
	LocalIP  string
}

// FromConfig converts the routes file entries into typed routes.
func FromConfig(entries []config.Route) ([]Route, error) {
	routes := make([]Route, 0, len(entries))
	for _, e := range entries {
		r := Route{
			Name:     e.Name,
			Kind:     Kind(e.Kind),
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			LocalIP:  e.LocalIP,
		}
		switch r.Kind {
		case KindDirect, KindHTTP, KindHTTPS, KindSOCKS5:
		default:
			return nil, fmt.Errorf("route %s: unknown kind %q", r.Name, r.Kind)
		}
		if r.LocalIP != "" && net.ParseIP(r.LocalIP) == nil {
			return nil, fmt.Errorf("route %s: invalid local_ip %q", r.Name, r.LocalIP)
		}
		routes = append(routes, r)
	}
	if len(routes) == 0 {
		routes = append(routes, Direct())
	}
	return routes, nil
}

func Direct() Route {
	return Route{Name: "direct", Kind: KindDirect}
}

func (r Route) address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ProxyURL builds the proxy URL with percent-encoded credentials. It returns
// nil for direct routes.
func (r Route) ProxyURL() *url.URL {
	if r.Kind == KindDirect || r.Kind == "" {
		return nil
	}
	u := &url.URL{Scheme: string(r.Kind), Host: r.address()}
	if r.Username != "" {
		if r.Password != "" {
			u.User = url.UserPassword(r.Username, r.Password)
		} else {
			u.User = url.User(r.Username)
		}
	}
	return u
}

// String renders the route without its password, safe for logs.
func (r Route) String() string {
	if u := r.ProxyURL(); u != nil {
		return fmt.Sprintf("%s(%s)", r.Name, u.Redacted())
	}
	if r.LocalIP != "" {
		return fmt.Sprintf("%s(direct via %s)", r.Name, r.LocalIP)
	}
	return r.Name
}

// Key identifies the route for transport reuse.
func (r Route) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", r.Name, r.Kind, r.address(), r.Username, r.LocalIP)
}

func (r Route) baseDialer() *net.Dialer {
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if r.LocalIP != "" {
		if ip := net.ParseIP(r.LocalIP); ip != nil {
			d.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}
	return d
}

// DialContext dials addr over the route. Direct and HTTP proxy routes dial
// TCP (bound to LocalIP when set); SOCKS5 routes tunnel through the proxy.
func (r Route) DialContext() (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	base := r.baseDialer()
	if r.Kind != KindSOCKS5 {
		return base.DialContext, nil
	}
	var auth *proxy.Auth
	if r.Username != "" {
		auth = &proxy.Auth{User: r.Username, Password: r.Password}
	}
	d, err := proxy.SOCKS5("tcp", r.address(), auth, base)
	if err != nil {
		return nil, fmt.Errorf("route %s: socks5 dialer: %w", r.Name, err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}, nil
}

// HTTPProxy returns the proxy func for HTTP(S) proxy routes and nil otherwise.
func (r Route) HTTPProxy() func(*http.Request) (*url.URL, error) {
	if r.Kind == KindHTTP || r.Kind == KindHTTPS {
		return http.ProxyURL(r.ProxyURL())
	}
	return nil
}

// Transports caches one http.Transport per route so connection pools are
// reused across requests.
type Transports struct {
	mu    sync.Mutex
	byKey map[string]*http.Transport
}

func NewTransports() *Transports {
	return &Transports{byKey: make(map[string]*http.Transport)}
}

func (t *Transports) For(r Route) (*http.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.byKey[r.Key()]; ok {
		return tr, nil
	}
	dial, err := r.DialContext()
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		Proxy:                 r.HTTPProxy(),
		DialContext:           dial,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	t.byKey[r.Key()] = tr
	return tr, nil
}

// CloseIdle releases idle connections of every cached transport.
func (t *Transports) CloseIdle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tr := range t.byKey {
		tr.CloseIdleConnections()
	}
}
