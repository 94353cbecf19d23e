package smtpd

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/asmtpd/smtpd/internal/set"
)

// yamlOptions mirrors the subset of Options that makes sense to express
// in a config file: it has no TLS setting (no certificate paths and no
// *tls.Config), and the CredentialChecker/Handler are wired up by the
// caller after loading.
type yamlOptions struct {
	Hostname             string `yaml:"hostname"`
	Ident                string `yaml:"ident"`
	MaxMessageSize       int64  `yaml:"max_message_size"`
	MaxRecipients        int    `yaml:"max_recipients"`
	MaxCommandErrors     int    `yaml:"max_command_errors"`
	CommandTimeout       string `yaml:"command_timeout"`
	DataTimeout          string `yaml:"data_timeout"`
	RequireTLSForAuth    bool   `yaml:"require_tls_for_auth"`
	RequireSTARTTLS      bool   `yaml:"require_starttls"`
	AuthRequired         bool   `yaml:"auth_required"`
	ProxyProtocolTimeout string `yaml:"proxy_protocol_timeout"`
	LMTP                 bool   `yaml:"lmtp"`
	EnableSMTPUTF8       bool   `yaml:"enable_smtputf8"`
	DecodeData           bool   `yaml:"decode_data"`

	ExcludeAuthMechanism []string `yaml:"exclude_auth_mechanism"`
}

// LoadOptionsYAML reads a YAML configuration file into a fresh Options,
// the way chasquid's own top-level config is loaded from a text file.
// TLSConfig, CredentialChecker and Handler are not configurable this way
// and must be set on the result afterwards.
func LoadOptionsYAML(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var y yamlOptions
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}

	opts := NewOptions(y.Hostname)
	opts.Ident = y.Ident
	opts.MaxMessageSize = y.MaxMessageSize
	opts.MaxRecipients = y.MaxRecipients
	opts.RequireTLSForAuth = y.RequireTLSForAuth
	opts.RequireSTARTTLS = y.RequireSTARTTLS
	opts.AuthRequired = y.AuthRequired
	opts.LMTP = y.LMTP
	opts.EnableSMTPUTF8 = y.EnableSMTPUTF8
	opts.DecodeData = y.DecodeData
	if len(y.ExcludeAuthMechanism) > 0 {
		opts.ExcludeAuthMechanism = set.NewString(y.ExcludeAuthMechanism...)
	}

	if y.MaxCommandErrors > 0 {
		opts.MaxCommandErrors = y.MaxCommandErrors
	}
	if y.CommandTimeout != "" {
		d, err := time.ParseDuration(y.CommandTimeout)
		if err != nil {
			return nil, err
		}
		opts.CommandTimeout = d
	}
	if y.DataTimeout != "" {
		d, err := time.ParseDuration(y.DataTimeout)
		if err != nil {
			return nil, err
		}
		opts.DataTimeout = d
	}
	if y.ProxyProtocolTimeout != "" {
		d, err := time.ParseDuration(y.ProxyProtocolTimeout)
		if err != nil {
			return nil, err
		}
		opts.ProxyProtocolTimeout = d
	}

	return opts, nil
}
