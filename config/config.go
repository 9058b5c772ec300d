// Package config holds the connection settings of a client. Settings come
// from a connection string, a config file or the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

const DefaultPort = 4222

var ErrInvalidConnectionString = errors.New("eventide: invalid connection string")

// NodePreference selects which of the configured servers is tried first.
type NodePreference string

const (
	NodeLeader          NodePreference = "leader"
	NodeFollower        NodePreference = "follower"
	NodeRandom          NodePreference = "random"
	NodeReadOnlyReplica NodePreference = "readonlyreplica"
)

func parseNodePreference(s string) (NodePreference, error) {
	switch p := NodePreference(strings.ToLower(s)); p {
	case NodeLeader, NodeFollower, NodeRandom, NodeReadOnlyReplica:
		return p, nil
	}
	return "", errors.Errorf("unknown node preference %q", s)
}

// Settings are the options passed through to the NATS connection.
type Settings struct {
	// Servers are host:port pairs.
	Servers []string `mapstructure:"servers"`

	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	TLS           bool `mapstructure:"tls"`
	TLSVerifyCert bool `mapstructure:"tls_verify_cert"`

	NodePreference NodePreference `mapstructure:"node_preference"`

	// Store is the JetStream stream backing the event store.
	Store string `mapstructure:"store"`

	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`

	// DefaultDeadline bounds single operations issued by the CLI.
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
}

// Default returns the settings of "esdb://localhost:4222".
func Default() *Settings {
	return &Settings{
		Servers:        []string{fmt.Sprintf("localhost:%d", DefaultPort)},
		TLSVerifyCert:  true,
		NodePreference: NodeLeader,
		MaxReconnects:  nats.DefaultMaxReconnect,
		ReconnectWait:  nats.DefaultReconnectWait,
	}
}

// ParseConnectionString parses a connection string of the form
//
//	esdb://[user:password@]host[:port][,host[:port]...][?key=value&...]
//
// The schemes esdb+discover, nats and tls are accepted as well. Query keys
// are case insensitive. Durations are given in milliseconds.
func ParseConnectionString(s string) (*Settings, error) {
	i := strings.Index(s, "://")
	if i < 0 {
		return nil, errors.Wrap(ErrInvalidConnectionString, "missing scheme")
	}
	scheme, rest := strings.ToLower(s[:i]), s[i+3:]

	st := Default()
	switch scheme {
	case "esdb", "esdb+discover", "nats":
	case "tls":
		st.TLS = true
	default:
		return nil, errors.Wrapf(ErrInvalidConnectionString, "unsupported scheme %q", scheme)
	}

	var query string
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	rest = strings.TrimSuffix(rest, "/")

	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		user, pass, ok := strings.Cut(rest[:i], ":")
		if !ok || user == "" {
			return nil, errors.Wrap(ErrInvalidConnectionString, "credentials must be user:password")
		}
		var err error
		if st.Username, err = url.PathUnescape(user); err != nil {
			return nil, errors.Wrap(ErrInvalidConnectionString, err.Error())
		}
		if st.Password, err = url.PathUnescape(pass); err != nil {
			return nil, errors.Wrap(ErrInvalidConnectionString, err.Error())
		}
		rest = rest[i+1:]
	}

	servers, err := parseHosts(rest)
	if err != nil {
		return nil, err
	}
	st.Servers = servers

	if query != "" {
		if err := st.applyQuery(query); err != nil {
			return nil, err
		}
	}

	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

func parseHosts(s string) ([]string, error) {
	if s == "" {
		return nil, errors.Wrap(ErrInvalidConnectionString, "no hosts")
	}
	var out []string
	for _, h := range strings.Split(s, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, errors.Wrap(ErrInvalidConnectionString, "empty host")
		}
		host, port, err := net.SplitHostPort(h)
		if err != nil {
			host, port = h, strconv.Itoa(DefaultPort)
		}
		if host == "" {
			return nil, errors.Wrapf(ErrInvalidConnectionString, "host %q", h)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return nil, errors.Wrapf(ErrInvalidConnectionString, "port of %q", h)
		}
		out = append(out, net.JoinHostPort(host, port))
	}
	return out, nil
}

func (st *Settings) applyQuery(query string) error {
	values, err := url.ParseQuery(query)
	if err != nil {
		return errors.Wrap(ErrInvalidConnectionString, err.Error())
	}

	for key, vs := range values {
		v := vs[len(vs)-1]
		var err error
		switch strings.ToLower(key) {
		case "tls":
			st.TLS, err = strconv.ParseBool(v)
		case "tlsverifycert":
			st.TLSVerifyCert, err = strconv.ParseBool(v)
		case "nodepreference":
			st.NodePreference, err = parseNodePreference(v)
		case "store":
			st.Store = v
		case "connectionname":
			st.ConnectionName = v
		case "maxdiscoverattempts", "maxreconnects":
			st.MaxReconnects, err = strconv.Atoi(v)
		case "discoveryinterval", "reconnectwait":
			st.ReconnectWait, err = parseMillis(v)
		case "keepaliveinterval":
			st.PingInterval, err = parseMillis(v)
		case "gossiptimeout":
			st.Timeout, err = parseMillis(v)
		case "defaultdeadline":
			st.DefaultDeadline, err = parseMillis(v)
		case "keepalivetimeout":
			// The connection's ping handling covers this.
		default:
			return errors.Wrapf(ErrInvalidConnectionString, "unknown setting %q", key)
		}
		if err != nil {
			return errors.Wrapf(ErrInvalidConnectionString, "%s: %s", key, err)
		}
	}
	return nil
}

func parseMillis(s string) (time.Duration, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Validate checks the settings.
func (st *Settings) Validate() error {
	if len(st.Servers) == 0 {
		return errors.New("config: at least one server is required")
	}
	if st.Password != "" && st.Username == "" {
		return errors.New("config: password without username")
	}
	if st.NodePreference != "" {
		if _, err := parseNodePreference(string(st.NodePreference)); err != nil {
			return errors.Wrap(err, "config")
		}
	}
	if st.MaxReconnects < -1 {
		return errors.New("config: max reconnects must be -1 or more")
	}
	if strings.ContainsAny(st.Store, ".*> ") {
		return errors.Errorf("config: invalid store name %q", st.Store)
	}
	return nil
}

// URL returns the comma separated server URLs.
func (st *Settings) URL() string {
	scheme := "nats"
	if st.TLS {
		scheme = "tls"
	}
	urls := make([]string, len(st.Servers))
	for i, s := range st.Servers {
		urls[i] = scheme + "://" + s
	}
	return strings.Join(urls, ",")
}

// NatsOptions turns the settings into connection options. Servers are tried
// in the configured order unless the node preference is random.
func (st *Settings) NatsOptions() []nats.Option {
	var opts []nats.Option

	if st.Username != "" {
		opts = append(opts, nats.UserInfo(st.Username, st.Password))
	}
	if st.TLS {
		opts = append(opts, nats.Secure(&tls.Config{
			InsecureSkipVerify: !st.TLSVerifyCert,
		}))
	}
	if st.NodePreference != NodeRandom {
		opts = append(opts, nats.DontRandomize())
	}
	if st.ConnectionName != "" {
		opts = append(opts, nats.Name(st.ConnectionName))
	}
	if st.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(st.MaxReconnects))
	}
	if st.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(st.ReconnectWait))
	}
	if st.PingInterval > 0 {
		opts = append(opts, nats.PingInterval(st.PingInterval))
	}
	if st.Timeout > 0 {
		opts = append(opts, nats.Timeout(st.Timeout))
	}
	return opts
}

