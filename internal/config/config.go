package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	DefaultListenAddr   = "127.0.0.1"
	DefaultListenPort   = 8053
	DefaultTTL          = 60
	DefaultSigner       = "x509"
	DefaultCACommonName = "yk-nsd CA"
)

// Listen is one DNS bind address.
type Listen struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// HostPort returns the address in net.Dial form.
func (l Listen) HostPort() string {
	return net.JoinHostPort(l.Addr, strconv.Itoa(l.Port))
}

// Timing holds every duration the reconcilers and the CA work with.
type Timing struct {
	ResyncBackoff    time.Duration `yaml:"resyncBackoff"`
	CertFreshness    time.Duration `yaml:"certFreshness"`
	LeafValidity     time.Duration `yaml:"leafValidity"`
	RootValidity     time.Duration `yaml:"rootValidity"`
	RotationInterval time.Duration `yaml:"rotationInterval"`
	SecretWatchLimit time.Duration `yaml:"secretWatchLimit"`
	TCPTimeout       time.Duration `yaml:"tcpTimeout"`
}

// Config is the process configuration.
type Config struct {
	DataDir                 string            `yaml:"datadir"`
	Domains                 []string          `yaml:"domains"`
	DistinguishedNamePrefix string            `yaml:"distinguishedNamePrefix"`
	CACommonName            string            `yaml:"caCommonName"`
	DNSListen               []Listen          `yaml:"dnsListen"`
	PrivilegedNamespaces    []string          `yaml:"privilegedNamespaces"`
	Signer                  string            `yaml:"signer"`
	SignerSettings          map[string]string `yaml:"signerSettings"`
	TTL                     uint32            `yaml:"ttl"`
	GatewayAPI              bool              `yaml:"gatewayAPI"`
	Debug                   bool              `yaml:"debug"`
	MetricsAddr             string            `yaml:"metricsAddr"`
	ProbeAddr               string            `yaml:"probeAddr"`
	Timing                  Timing            `yaml:"timing"`
}

// Load reads the configuration named by the command line: either "-f <path>"
// or a single inline document.
func Load(args []string) (*Config, error) {
	switch {
	case len(args) == 2 && args[0] == "-f":
		return LoadFromPath(args[1])
	case len(args) == 1 && args[0] != "-f":
		return Parse([]byte(args[0]))
	default:
		return nil, fmt.Errorf("usage: yk-nsd -f <config-file> | yk-nsd '<inline config>'")
	}
}

// LoadFromPath reads the configuration from the given file path.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML (or JSON) document, fills in defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Expand ${ENV_VAR} references in signer settings.
	for k, v := range cfg.SignerSettings {
		cfg.SignerSettings[k] = os.ExpandEnv(v)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.CACommonName == "" {
		c.CACommonName = DefaultCACommonName
	}
	if len(c.DNSListen) == 0 {
		c.DNSListen = []Listen{{Addr: DefaultListenAddr, Port: DefaultListenPort}}
	}
	if c.Signer == "" {
		c.Signer = DefaultSigner
	}
	if c.SignerSettings == nil {
		c.SignerSettings = map[string]string{}
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = ":8081"
	}

	t := &c.Timing
	setDuration(&t.ResyncBackoff, 15*time.Second)
	setDuration(&t.CertFreshness, 30*24*time.Hour)
	setDuration(&t.LeafValidity, 60*24*time.Hour)
	setDuration(&t.RootValidity, 3*365*24*time.Hour)
	setDuration(&t.RotationInterval, 24*time.Hour)
	setDuration(&t.SecretWatchLimit, 24*time.Hour)
	setDuration(&t.TCPTimeout, 15*time.Second)
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: missing required field 'datadir'")
	}
	if len(c.Domains) == 0 {
		return fmt.Errorf("config: at least one entry in 'domains' is required")
	}
	for i, d := range c.Domains {
		c.Domains[i] = strings.Trim(strings.ToLower(d), ".")
	}
	for _, l := range c.DNSListen {
		if l.Port <= 0 || l.Port > 65535 {
			return fmt.Errorf("config: invalid dnsListen port %d for %q", l.Port, l.Addr)
		}
	}
	if c.Timing.CertFreshness >= c.Timing.LeafValidity {
		return fmt.Errorf("config: timing.certFreshness (%s) must be shorter than timing.leafValidity (%s)",
			c.Timing.CertFreshness, c.Timing.LeafValidity)
	}
	return nil
}

// Privileged reports whether namespace may override config-map suffixes.
func (c *Config) Privileged(namespace string) bool {
	return slices.Contains(c.PrivilegedNamespaces, namespace)
}
