package main

import (
	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxgate/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voxgate/pkg/provider/s2s/openai"
)

// builtinBackends lists the backend names that ship with voxgate.
var builtinBackends = []string{"azure-openai-realtime", "gemini-live", "openai-realtime"}

// registerBuiltinBackends wires all built-in backend factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// Azure needs the resource endpoint; Validate rejects an empty base_url.
	reg.RegisterBackend("azure-openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{
			oais2s.WithAzure(entry.OptionString("api_version")),
			oais2s.WithBaseURL(entry.BaseURL),
		}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterBackend("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})
}
