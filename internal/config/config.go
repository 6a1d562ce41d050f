package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefionn/iqdump/internal/consts"
)

// ToolsConfig names the external programs the dispatcher launches
type ToolsConfig struct {
	MemDump  string `json:"memdump"`
	HexDump  string `json:"hexdump"`
	DevMem   string `json:"devmem"`
	IW       string `json:"iw"`
	Ifconfig string `json:"ifconfig"`
	AteCmd   string `json:"ate_cmd"`

	// SearchPath becomes PATH for every launched program and is where tool
	// names without a directory are looked up. Empty inherits the daemon's PATH.
	SearchPath string `json:"search_path"`
}

// AteRadio pairs a physical radio with the managed interface created on it
type AteRadio struct {
	Phy       string `json:"phy"`
	Interface string `json:"interface"`
}

// AteConfig configures the ATE bring-up sequence
type AteConfig struct {
	Radios []AteRadio `json:"radios"`
}

// TimeoutConfig holds optional hardening deadlines. Zero disables a deadline,
// which keeps the endpoint blocking indefinitely like the deployed firmware.
type TimeoutConfig struct {
	ReadIdleSeconds int `json:"read_idle_seconds"`
	WriteSeconds    int `json:"write_seconds"`
	CommandSeconds  int `json:"command_seconds"`
}

// ReadIdle is the longest a session waits for the next request line
func (t TimeoutConfig) ReadIdle() time.Duration {
	return seconds(t.ReadIdleSeconds)
}

// Write bounds each response write (header plus file payload)
func (t TimeoutConfig) Write() time.Duration {
	return seconds(t.WriteSeconds)
}

// Command bounds each external program invocation
func (t TimeoutConfig) Command() time.Duration {
	return seconds(t.CommandSeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Config represents the daemon configuration
type Config struct {
	ListenAddr     string `json:"listen_addr"`
	MaxConnections int    `json:"max_connections"` // 0 = unbounded
	TempDir        string `json:"temp_dir"`
	DebugFSRoot    string `json:"debugfs_root"`
	Shell          string `json:"shell"`
	LogLevel       string `json:"log_level"` // debug, info, warn, error, none
	LogPath        string `json:"log_path"`  // empty = stderr
	PIDFile        string `json:"pid_file,omitempty"`

	// KeepSessionOnDecodeError keeps a connection open after a malformed
	// request instead of closing it once the error header is sent.
	KeepSessionOnDecodeError bool `json:"keep_session_on_decode_error"`
	// AcknowledgeAll makes SetRegister, ShellCommand, AteInit and AteCommand
	// answer with a header. Clients of the legacy protocol do not expect one.
	AcknowledgeAll bool `json:"acknowledge_all"`

	Timeouts TimeoutConfig `json:"timeouts"`
	Tools    ToolsConfig   `json:"tools"`
	Ate      AteConfig     `json:"ate"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  consts.DefaultListenAddr,
		TempDir:     consts.DefaultTempDir,
		DebugFSRoot: consts.DefaultDebugFSRoot,
		Shell:       consts.DefaultShell,
		LogLevel:    "info",
		Tools: ToolsConfig{
			MemDump:  consts.ToolMemDump,
			HexDump:  consts.ToolHexDump,
			DevMem:   consts.ToolDevMem,
			IW:       consts.ToolIW,
			Ifconfig: consts.ToolIfconfig,
			AteCmd:   consts.ToolAteCmd,
		},
		Ate: AteConfig{
			Radios: []AteRadio{
				{Phy: "phy0", Interface: "wlan0"},
				{Phy: "phy1", Interface: "wlan1"},
			},
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.fillDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// fillDefaults restores defaults for fields a config file blanked out
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = def.ListenAddr
	}
	if c.TempDir == "" {
		c.TempDir = def.TempDir
	}
	if c.DebugFSRoot == "" {
		c.DebugFSRoot = def.DebugFSRoot
	}
	if c.Shell == "" {
		c.Shell = def.Shell
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}

	tools := []struct {
		dst *string
		def string
	}{
		{&c.Tools.MemDump, def.Tools.MemDump},
		{&c.Tools.HexDump, def.Tools.HexDump},
		{&c.Tools.DevMem, def.Tools.DevMem},
		{&c.Tools.IW, def.Tools.IW},
		{&c.Tools.Ifconfig, def.Tools.Ifconfig},
		{&c.Tools.AteCmd, def.Tools.AteCmd},
	}
	for _, tool := range tools {
		if strings.TrimSpace(*tool.dst) == "" {
			*tool.dst = tool.def
		}
	}

	if c.Ate.Radios == nil {
		c.Ate.Radios = def.Ate.Radios
	}
}

// Validate reports configuration values the server cannot run with
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if !filepath.IsAbs(c.TempDir) {
		return fmt.Errorf("temp_dir must be an absolute path, got %q", c.TempDir)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if c.Tools.SearchPath != "" {
		for _, dir := range filepath.SplitList(c.Tools.SearchPath) {
			if !filepath.IsAbs(dir) {
				return fmt.Errorf("tools.search_path entries must be absolute paths, got %q", dir)
			}
		}
	}
	for i, radio := range c.Ate.Radios {
		if radio.Phy == "" || radio.Interface == "" {
			return fmt.Errorf("ate.radios[%d] needs both phy and interface", i)
		}
	}
	return nil
}

// ApplyEnv overrides config values from IQDUMP_* environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("IQDUMP_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("IQDUMP_LOG_PATH")); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(getenv("IQDUMP_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the config path, honoring IQDUMP_CONFIG
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("IQDUMP_CONFIG")); p != "" {
		return p
	}
	return "/etc/iqdump/config.json"
}
