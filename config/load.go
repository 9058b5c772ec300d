package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "eventide"

// keys are bound to the environment so that they are picked up even when
// the config file does not mention them.
var keys = []string{
	"connection",
	"log_level",
	"servers",
	"username",
	"password",
	"tls",
	"tls_verify_cert",
	"node_preference",
	"store",
	"connection_name",
	"max_reconnects",
	"reconnect_wait",
	"ping_interval",
	"timeout",
	"default_deadline",
}

// File is the layout of a config file.
type File struct {
	Settings `mapstructure:",squash"`

	// Connection is a connection string. Keys set in the file or in the
	// environment override the settings it carries.
	Connection string `mapstructure:"connection"`
	LogLevel   string `mapstructure:"log_level"`
}

// Load reads a config file. Every key can be overridden by an environment
// variable prefixed with EVENTIDE, e.g. EVENTIDE_STORE. An empty path only
// reads the environment.
func Load(path string) (*File, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "config: read")
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}

	if f.Connection != "" {
		base, err := ParseConnectionString(f.Connection)
		if err != nil {
			return nil, err
		}
		f.Settings = merge(*base, f.Settings, func(key string) bool {
			return explicit(v, key)
		})
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// explicit reports whether the key was set in the file or the environment
// rather than falling back to a default.
func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	_, ok := os.LookupEnv(strings.ToUpper(envPrefix + "_" + key))
	return ok
}

// merge overlays the explicitly set keys of over onto base.
func merge(base, over Settings, set func(string) bool) Settings {
	if set("servers") {
		base.Servers = over.Servers
	}
	if set("username") {
		base.Username = over.Username
	}
	if set("password") {
		base.Password = over.Password
	}
	if set("tls") {
		base.TLS = over.TLS
	}
	if set("tls_verify_cert") {
		base.TLSVerifyCert = over.TLSVerifyCert
	}
	if set("node_preference") {
		base.NodePreference = over.NodePreference
	}
	if set("store") {
		base.Store = over.Store
	}
	if set("connection_name") {
		base.ConnectionName = over.ConnectionName
	}
	if set("max_reconnects") {
		base.MaxReconnects = over.MaxReconnects
	}
	if set("reconnect_wait") {
		base.ReconnectWait = over.ReconnectWait
	}
	if set("ping_interval") {
		base.PingInterval = over.PingInterval
	}
	if set("timeout") {
		base.Timeout = over.Timeout
	}
	if set("default_deadline") {
		base.DefaultDeadline = over.DefaultDeadline
	}
	return base
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("servers", d.Servers)
	v.SetDefault("tls_verify_cert", d.TLSVerifyCert)
	v.SetDefault("node_preference", string(d.NodePreference))
	v.SetDefault("max_reconnects", d.MaxReconnects)
	v.SetDefault("reconnect_wait", d.ReconnectWait)
	v.SetDefault("log_level", "info")
}
