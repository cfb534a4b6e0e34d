package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/pdisk/pkg/retry"
	"github.com/cuemby/pdisk/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is read when --config is not given
	DefaultConfigPath = "/etc/pdisk/pdisk.yaml"

	// DefaultQuarantineOwner is the superuser sentinel quarantined volumes are reassigned to
	DefaultQuarantineOwner = "pdisk-quarantine"
)

// Duration is a time.Duration that decodes from YAML strings like "15m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete, immutable configuration of pdisk. Components are
// handed the section they need by value.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Retry         RetryConfig         `yaml:"retry"`
	SSH           SSHConfig           `yaml:"ssh"`
	Attach        AttachConfig        `yaml:"attach"`
	Checksum      ChecksumConfig      `yaml:"checksum"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Quarantine    QuarantineConfig    `yaml:"quarantine"`
	Signing       SigningConfig       `yaml:"signing"`
	Notify        NotifyConfig        `yaml:"notify"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
}

// StoreConfig locates the volume store service
type StoreConfig struct {
	Endpoint string `yaml:"endpoint"` // e.g. https://pdisk.example.org:8445
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CatalogConfig locates the manifest repository
type CatalogConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// RetryConfig is the transport retry policy shared by HTTP and SSH calls
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	MinWait     Duration `yaml:"min_wait"`
	MaxWait     Duration `yaml:"max_wait"`
	Timeout     Duration `yaml:"timeout"`
}

// Policy converts the section into a retry.Policy
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		MinWait:     r.MinWait.Std(),
		MaxWait:     r.MaxWait.Std(),
		Timeout:     r.Timeout.Std(),
	}
}

// SSHConfig configures the remote execution gateway
type SSHConfig struct {
	User           string   `yaml:"user"`
	PrivateKey     string   `yaml:"private_key"`
	KnownHosts     string   `yaml:"known_hosts"`
	Port           int      `yaml:"port"`
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// CommandTimeout bounds each remote command once connected
	CommandTimeout Duration `yaml:"command_timeout"`
}

// AttachConfig holds the commands run on compute hosts
type AttachConfig struct {
	// AttachCommand registers a volume as a VM device. It receives
	// --register --pdisk-id REF --vm-id ID --vm-disk-name NAME --target PATH
	AttachCommand string `yaml:"attach_command"`

	// DetachCommand is the inverse of AttachCommand and receives the same
	// arguments with --unregister in place of --register
	DetachCommand string `yaml:"detach_command"`

	// DataDiskTypes lists the declared types accepted for non-boot disks
	DataDiskTypes []types.DiskType `yaml:"data_disk_types"`
}

// Checksum strategies
const (
	ChecksumStrategyDirect = "direct"
	ChecksumStrategyAttach = "attach"
)

// ChecksumConfig selects how a live disk is checksummed before rebase
type ChecksumConfig struct {
	Strategy  string `yaml:"strategy"`
	Host      string `yaml:"host"`       // host running the checksum
	DeviceDir string `yaml:"device_dir"` // direct: device path is DeviceDir/<uuid>

	// attach: both commands receive the transfer URL; attach prints the
	// local device
	AttachCommand string `yaml:"attach_command"`
	DetachCommand string `yaml:"detach_command"`
}

// AuthorizationConfig controls direct attachment of persisted volumes
type AuthorizationConfig struct {
	Superusers []string `yaml:"superusers"`

	// Unauthorized visibilities may only be attached by their owner
	UnauthorizedVisibilities []types.Visibility `yaml:"unauthorized_visibilities"`
}

// QuarantineConfig configures the reaper
type QuarantineConfig struct {
	Owner         string   `yaml:"owner"`
	Threshold     Duration `yaml:"threshold"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// SigningConfig locates the manifest signing key
type SigningConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NotifyConfig configures where save notifications go
type NotifyConfig struct {
	SMTP SMTPConfig `yaml:"smtp"`
	AMQP AMQPConfig `yaml:"amqp"`
}

// SMTPConfig configures e-mail notification
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AMQPConfig configures message queue notification
type AMQPConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// LedgerConfig locates the mount ledger
type LedgerConfig struct {
	Path        string   `yaml:"path"`
	LockTimeout Duration `yaml:"lock_timeout"`
}

// ServerConfig configures the reference volume store server
type ServerConfig struct {
	Listen          string   `yaml:"listen"`
	DataDir         string   `yaml:"data_dir"`
	VolumesDir      string   `yaml:"volumes_dir"`
	PublicHost      string   `yaml:"public_host"` // host used in pdisk: references
	MetricsInterval Duration `yaml:"metrics_interval"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used for unset fields
func Default() Config {
	return Config{
		Store: StoreConfig{
			Endpoint: "https://localhost:8445",
		},
		Retry: RetryConfig{
			MaxAttempts: retry.DefaultMaxAttempts,
			MinWait:     Duration(retry.DefaultMinWait),
			MaxWait:     Duration(retry.DefaultMaxWait),
			Timeout:     Duration(retry.DefaultTimeout),
		},
		SSH: SSHConfig{
			User:           "root",
			PrivateKey:     "/root/.ssh/id_rsa",
			Port:           22,
			ConnectTimeout: Duration(10 * time.Second),
			CommandTimeout: Duration(10 * time.Minute),
		},
		Attach: AttachConfig{
			AttachCommand: "/usr/sbin/pdisk-attach",
			DetachCommand: "/usr/sbin/pdisk-detach",
			DataDiskTypes: []types.DiskType{
				types.DiskTypeDataReadOnly,
				types.DiskTypeDataReadWrite,
			},
		},
		Checksum: ChecksumConfig{
			Strategy:  ChecksumStrategyDirect,
			Host:      "localhost",
			DeviceDir: "/dev/pdisk",
		},
		Authorization: AuthorizationConfig{
			Superusers:               []string{"oneadmin"},
			UnauthorizedVisibilities: []types.Visibility{types.VisibilityPrivate},
		},
		Quarantine: QuarantineConfig{
			Owner:         DefaultQuarantineOwner,
			Threshold:     Duration(15 * time.Minute),
			SweepInterval: Duration(5 * time.Minute),
		},
		Ledger: LedgerConfig{
			Path:        "/var/lib/pdisk/mounts.db",
			LockTimeout: Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Listen:          "0.0.0.0:8445",
			DataDir:         "/var/lib/pdisk",
			VolumesDir:      "/var/lib/pdisk/volumes",
			MetricsInterval: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file at
// DefaultConfigPath yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %q: %w", path, err)
	}

	return cfg, nil
}

// Validate checks fields that have no usable default
func (c Config) Validate() error {
	if c.Store.Endpoint == "" {
		return fmt.Errorf("store.endpoint is required")
	}
	switch c.Checksum.Strategy {
	case ChecksumStrategyDirect:
		if c.Checksum.DeviceDir == "" {
			return fmt.Errorf("checksum.device_dir is required for the %q strategy", ChecksumStrategyDirect)
		}
	case ChecksumStrategyAttach:
		if c.Checksum.AttachCommand == "" || c.Checksum.DetachCommand == "" {
			return fmt.Errorf("checksum.attach_command and checksum.detach_command are required for the %q strategy", ChecksumStrategyAttach)
		}
	default:
		return fmt.Errorf("unknown checksum.strategy %q", c.Checksum.Strategy)
	}
	if c.Quarantine.Owner == "" {
		return fmt.Errorf("quarantine.owner is required")
	}
	if c.Quarantine.Threshold < 0 {
		return fmt.Errorf("quarantine.threshold must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}
