package config

import (
	"fmt"
	"strconv"
)

// Environment variables read by ApplyEnv.
const (
	EnvAppSecEnabled       = "BASTION_APPSEC_ENABLED"
	EnvAppSecRules         = "BASTION_APPSEC_RULES"
	EnvBlockedTemplateJSON = "BASTION_APPSEC_HTTP_BLOCKED_TEMPLATE_JSON"
	EnvBlockedTemplateHTML = "BASTION_APPSEC_HTTP_BLOCKED_TEMPLATE_HTML"
	EnvClientIPHeader      = "BASTION_CLIENT_IP_HEADER"
)

// ApplyEnv overrides appsec settings from the environment. lookup is
// usually os.LookupEnv. Relative paths from the environment resolve against
// the working directory, not the config directory.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if raw, ok := lookup(EnvAppSecEnabled); ok {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvAppSecEnabled, err)
		}
		c.AppSec.Enabled = enabled
	}
	if v, ok := lookup(EnvAppSecRules); ok {
		c.AppSec.Rules = absOrSelf(v)
	}
	if v, ok := lookup(EnvBlockedTemplateJSON); ok {
		c.AppSec.BlockedTemplateJSON = absOrSelf(v)
	}
	if v, ok := lookup(EnvBlockedTemplateHTML); ok {
		c.AppSec.BlockedTemplateHTML = absOrSelf(v)
	}
	if v, ok := lookup(EnvClientIPHeader); ok {
		c.AppSec.ClientIPHeader = v
	}
	return nil
}
