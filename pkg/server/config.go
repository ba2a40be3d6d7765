package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration. It is read-only once the server starts.
type ServerConfig struct {
	ListenIP            string
	Port                int // TCP listener and UDP welcome socket
	ConfirmationTimeout time.Duration
	MaxRetransmissions  int
	QueueSize           int // Inbound messages accepted but not yet processed
	HTTPPort            int // /metrics, /health and /ws; 0 disables
	SSHPort             int // 0 disables
	SSHHostKeyPath      string
	AuditDBPath         string // Empty disables the audit log
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenIP:            "0.0.0.0",
		Port:                4567,
		ConfirmationTimeout: 250 * time.Millisecond,
		MaxRetransmissions:  3,
		QueueSize:           10000,
		HTTPPort:            0,
		SSHPort:             0,
		SSHHostKeyPath:      "~/.ipk24chat/ssh_host_key",
		AuditDBPath:         "",
	}
}

var ErrInvalidConfig = errors.New("invalid server configuration")

// Validate rejects settings the server cannot run with
func (c ServerConfig) Validate() error {
	if net.ParseIP(c.ListenIP) == nil {
		return fmt.Errorf("%w: listen ip %q", ErrInvalidConfig, c.ListenIP)
	}
	for name, port := range map[string]int{"port": c.Port, "http port": c.HTTPPort, "ssh port": c.SSHPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	if c.ConfirmationTimeout <= 0 || c.ConfirmationTimeout > time.Duration(65535)*time.Millisecond {
		return fmt.Errorf("%w: confirmation timeout %v", ErrInvalidConfig, c.ConfirmationTimeout)
	}
	if c.MaxRetransmissions < 0 || c.MaxRetransmissions > 255 {
		return fmt.Errorf("%w: max retransmissions %d", ErrInvalidConfig, c.MaxRetransmissions)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue size %d", ErrInvalidConfig, c.QueueSize)
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	UDP    UDPSection    `toml:"udp"`
	Limits LimitsSection `toml:"limits"`
	Audit  AuditSection  `toml:"audit"`
}

type ServerSection struct {
	ListenIP   string `toml:"listen_ip"`
	Port       int    `toml:"port"`
	HTTPPort   int    `toml:"http_port"`
	SSHPort    int    `toml:"ssh_port"`
	SSHHostKey string `toml:"ssh_host_key"`
}

type UDPSection struct {
	ConfirmationTimeoutMs int  `toml:"confirmation_timeout_ms"`
	MaxRetransmissions    *int `toml:"max_retransmissions"`
}

type LimitsSection struct {
	QueueSize int `toml:"queue_size"`
}

type AuditSection struct {
	DatabasePath string `toml:"database_path"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	retries := def.MaxRetransmissions
	return TOMLConfig{
		Server: ServerSection{
			ListenIP:   def.ListenIP,
			Port:       def.Port,
			HTTPPort:   def.HTTPPort,
			SSHPort:    def.SSHPort,
			SSHHostKey: def.SSHHostKeyPath,
		},
		UDP: UDPSection{
			ConfirmationTimeoutMs: int(def.ConfirmationTimeout / time.Millisecond),
			MaxRetransmissions:    &retries,
		},
		Limits: LimitsSection{
			QueueSize: def.QueueSize,
		},
		Audit: AuditSection{
			DatabasePath: def.AuditDBPath,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?), still run with defaults
			debugLog.Printf("Could not write default config to %s: %v", path, err)
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# IPK24-CHAT Server Configuration
# This file was auto-generated with default values
# Command-line flags override these settings

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values keep the defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.ListenIP) != "" {
		cfg.ListenIP = strings.TrimSpace(c.Server.ListenIP)
	}

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}

	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.UDP.ConfirmationTimeoutMs != 0 {
		cfg.ConfirmationTimeout = time.Duration(c.UDP.ConfirmationTimeoutMs) * time.Millisecond
	}

	if c.UDP.MaxRetransmissions != nil {
		cfg.MaxRetransmissions = *c.UDP.MaxRetransmissions
	}

	if c.Limits.QueueSize != 0 {
		cfg.QueueSize = c.Limits.QueueSize
	}

	if strings.TrimSpace(c.Audit.DatabasePath) != "" {
		cfg.AuditDBPath = c.Audit.DatabasePath
	}

	return cfg
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
