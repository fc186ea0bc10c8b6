package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag maps one command-line flag onto a config key.
type Flag struct {
	Name        string
	Shorthand   string
	ViperKey    string
	Description string
}

// ServerFlags are the overrides accepted by the relay server command.
var ServerFlags = []Flag{
	{Name: "addr", Shorthand: "a", ViperKey: "server.addr", Description: "WebSocket listen address"},
	{Name: "tcp-addr", ViperKey: "server.tcp_addr", Description: "TCP listen address (empty disables the TCP server)"},
	{Name: "provider", Shorthand: "p", ViperKey: "upstream.provider", Description: "upstream provider: openai, groq, anthropic, gemini or mock"},
	{Name: "base-url", ViperKey: "upstream.base_url", Description: "base URL for the openai-compatible provider"},
	{Name: "model", Shorthand: "m", ViperKey: "upstream.model", Description: "model name sent upstream"},
	{Name: "log-level", ViperKey: "log.level", Description: "log level: trace, debug, info, warn or error"},
	{Name: "log-format", ViperKey: "log.format", Description: "log format: json or text"},
}

// AddFlags registers flags on cmd as string flags. Their defaults are shown
// as the config defaults but only explicitly set flags override other sources.
func AddFlags(cmd *cobra.Command, flags []Flag) {
	v := viper.New()
	setDefaults(v)
	for _, f := range flags {
		def := fmt.Sprint(v.Get(f.ViperKey))
		if f.Shorthand != "" {
			cmd.Flags().StringP(f.Name, f.Shorthand, def, f.Description)
		} else {
			cmd.Flags().String(f.Name, def, f.Description)
		}
	}
}

// BindFlags binds every registered flag of cmd to its config key in v.
func BindFlags(cmd *cobra.Command, v *viper.Viper, flags []Flag) error {
	for _, f := range flags {
		pf := cmd.Flags().Lookup(f.Name)
		if pf == nil {
			continue
		}
		if err := v.BindPFlag(f.ViperKey, pf); err != nil {
			return fmt.Errorf("binding flag --%s: %w", f.Name, err)
		}
	}
	return nil
}
