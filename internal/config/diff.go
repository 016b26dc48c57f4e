package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable sections are reported individually; everything else is
// collected in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GatewayChanged is true when any gateway setting changed. New
	// connections pick up the new values; open connections keep theirs.
	GatewayChanged bool

	// AuthChanged is true when the auth toggle, key, expiry or static token
	// list changed.
	AuthChanged bool

	// RestartRequired lists the config sections that changed but are only
	// read at startup (e.g. "server.listen_addr", "backend").
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GatewayChanged || d.AuthChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.GatewayChanged = old.Gateway != new.Gateway

	oa, na := old.Auth, new.Auth
	d.AuthChanged = oa.Enabled != na.Enabled ||
		oa.Key != na.Key ||
		oa.TokenExpireSeconds != na.TokenExpireSeconds ||
		!slices.Equal(oa.Tokens, na.Tokens)

	// The device endpoint is mounted once at startup.
	if old.Gateway.EndpointPath != new.Gateway.EndpointPath {
		d.RestartRequired = append(d.RestartRequired, "gateway.endpoint_path")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "server.log_format")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}

	return d
}
