// Package config loads bastion settings from a YAML file with
// environment-variable overrides, and converts the declarative policy
// seed into runtime objects.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gatewarden/internal/guard"
	"gatewarden/internal/policy"
)

// Config holds all application settings loaded from file and environment
// variables. Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Policy   Policy   `mapstructure:"policy"`
	Guard    Guard    `mapstructure:"guard"`
	Limits   Limits   `mapstructure:"limits"`
	Security Security `mapstructure:"security"`
	Audit    Audit    `mapstructure:"audit"`
}

type Server struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	HostKeyPath string `mapstructure:"host_key_path"`

	// HandshakeTimeout bounds the SSH handshake and authentication phase.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// MaxAuthTries caps credential offers on a single connection before
	// the connection is dropped. Independent of the lockout guard.
	MaxAuthTries int `mapstructure:"max_auth_tries"`
}

// Policy selects the policy store backend and carries the optional
// declarative seed applied at startup.
type Policy struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`

	// DSN is the Postgres connection string. Required for backend=postgres.
	DSN string `mapstructure:"dsn"`

	// CacheFreshness enables the read-through policy cache when > 0.
	CacheFreshness time.Duration `mapstructure:"cache_freshness"`

	Identities []SeedIdentity `mapstructure:"identities"`
	Roles      []SeedRole     `mapstructure:"roles"`
	Targets    []SeedTarget   `mapstructure:"targets"`
}

// SeedIdentity declares one identity in the config file. Passwords are
// stored as bcrypt hashes, never plaintext.
type SeedIdentity struct {
	Username       string   `mapstructure:"username"`
	PasswordHash   string   `mapstructure:"password_hash"`
	AuthorizedKeys []string `mapstructure:"authorized_keys"`
	Disabled       bool     `mapstructure:"disabled"`
	Roles          []string `mapstructure:"roles"`
}

type SeedGrant struct {
	Selector string   `mapstructure:"selector"`
	Actions  []string `mapstructure:"actions"`
}

type SeedRole struct {
	Name   string      `mapstructure:"name"`
	Grants []SeedGrant `mapstructure:"grants"`
}

type SeedTarget struct {
	Name          string   `mapstructure:"name"`
	Hostname      string   `mapstructure:"hostname"`
	Port          int      `mapstructure:"port"`
	User          string   `mapstructure:"user"`
	Password      string   `mapstructure:"password"`
	PrivateKey    string   `mapstructure:"private_key"`
	HostPublicKey string   `mapstructure:"host_public_key"`
	Tags          []string `mapstructure:"tags"`
	Disabled      bool     `mapstructure:"disabled"`
}

// Guard tunes the credential lockout. Zero values fall back to the
// guard package defaults.
type Guard struct {
	Threshold     int           `mapstructure:"threshold"`
	Window        time.Duration `mapstructure:"window"`
	BaseLockout   time.Duration `mapstructure:"base_lockout"`
	MaxLockout    time.Duration `mapstructure:"max_lockout"`
	IPv4PrefixLen int           `mapstructure:"ipv4_prefix_len"`
	IPv6PrefixLen int           `mapstructure:"ipv6_prefix_len"`
}

// Limits controls maximum concurrency for connections and channels.
type Limits struct {
	MaxConnections     int `mapstructure:"max_connections"`
	MaxChannelsPerConn int `mapstructure:"max_channels_per_conn"`
}

// Security holds command filtering configuration.
type Security struct {
	Blocklist []string `mapstructure:"blocklist"`

	// OnBlock controls what happens when a command is blocked.
	// "message"    — session continues, client receives an error message (default)
	// "disconnect" — session is terminated immediately
	OnBlock string `mapstructure:"on_block"`
}

type Audit struct {
	StoragePath string `mapstructure:"storage_path"`

	// RecordInput additionally captures keystrokes in recordings.
	// Off by default: input may contain typed passwords.
	RecordInput bool `mapstructure:"record_input"`
}

// Load reads configuration from a file and allows environment variables
// to override any value.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("server.port", "GATEWARDEN_PORT")
	v.BindEnv("server.host", "GATEWARDEN_HOST")
	v.BindEnv("server.host_key_path", "GATEWARDEN_HOST_KEY")
	v.BindEnv("policy.backend", "GATEWARDEN_POLICY_BACKEND")
	v.BindEnv("policy.dsn", "GATEWARDEN_POLICY_DSN")
	v.BindEnv("audit.storage_path", "GATEWARDEN_AUDIT_STORAGE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Policy.Backend {
	case "memory":
	case "postgres":
		if c.Policy.DSN == "" {
			return fmt.Errorf("policy.dsn is required for backend=postgres")
		}
	default:
		return fmt.Errorf("unknown policy backend %q", c.Policy.Backend)
	}

	switch c.Security.OnBlock {
	case "", "message", "disconnect":
	default:
		return fmt.Errorf("unknown security.on_block value %q", c.Security.OnBlock)
	}
	return nil
}

// GuardConfig converts the guard section into a guard.Config, filling
// unset fields from the package defaults.
func (c *Config) GuardConfig() guard.Config {
	gc := guard.DefaultConfig()
	if c.Guard.Threshold > 0 {
		gc.Threshold = c.Guard.Threshold
	}
	if c.Guard.Window > 0 {
		gc.Window = c.Guard.Window
	}
	if c.Guard.BaseLockout > 0 {
		gc.BaseLockout = c.Guard.BaseLockout
	}
	if c.Guard.MaxLockout > 0 {
		gc.MaxLockout = c.Guard.MaxLockout
	}
	if c.Guard.IPv4PrefixLen > 0 {
		gc.IPv4PrefixLen = c.Guard.IPv4PrefixLen
	}
	if c.Guard.IPv6PrefixLen > 0 {
		gc.IPv6PrefixLen = c.Guard.IPv6PrefixLen
	}
	return gc
}

// BuildMemoryStore materializes the policy seed into an in-memory store.
// Used for backend=memory and for pre-loading test fixtures.
func (c *Config) BuildMemoryStore() (*policy.MemoryStore, error) {
	store := policy.NewMemoryStore()

	for _, si := range c.Policy.Identities {
		if si.Username == "" {
			return nil, fmt.Errorf("policy.identities: username is required")
		}
		store.SetIdentity(policy.Identity{
			ID:             si.Username,
			Username:       si.Username,
			PasswordHash:   si.PasswordHash,
			AuthorizedKeys: si.AuthorizedKeys,
			Disabled:       si.Disabled,
			Roles:          si.Roles,
		})
	}

	for _, sr := range c.Policy.Roles {
		role := policy.Role{Name: sr.Name}
		for _, sg := range sr.Grants {
			grant := policy.Grant{Selector: sg.Selector}
			for _, raw := range sg.Actions {
				action, err := policy.ParseAction(raw)
				if err != nil {
					return nil, fmt.Errorf("policy.roles[%s]: %w", sr.Name, err)
				}
				grant.Actions = append(grant.Actions, action)
			}
			role.Grants = append(role.Grants, grant)
		}
		store.SetRole(role)
	}

	for _, st := range c.Policy.Targets {
		if st.Port == 0 {
			st.Port = 22
		}
		store.SetTarget(policy.Target{
			Name:          st.Name,
			Hostname:      st.Hostname,
			Port:          st.Port,
			User:          st.User,
			Password:      st.Password,
			PrivateKey:    st.PrivateKey,
			HostPublicKey: st.HostPublicKey,
			Tags:          st.Tags,
			Disabled:      st.Disabled,
		})
	}

	return store, nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 2222)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.host_key_path", "host_key")
	v.SetDefault("server.handshake_timeout", "30s")
	v.SetDefault("server.max_auth_tries", 5)
	v.SetDefault("policy.backend", "memory")
	v.SetDefault("policy.cache_freshness", "0s")
	v.SetDefault("limits.max_connections", 100)
	v.SetDefault("limits.max_channels_per_conn", 10)
	v.SetDefault("security.on_block", "message")
	v.SetDefault("audit.storage_path", "./logs/sessions")
}
