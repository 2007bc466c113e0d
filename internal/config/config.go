package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/robotical/riclink/internal/logger"
	"github.com/robotical/riclink/pkg/comms"
)

// Connection methods.
const (
	MethodUSB  = "usb"
	MethodExp  = "exp"
	MethodWiFi = "wifi"
)

// SerialConfig represents a serialConfig.
type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// WiFiConfig represents a wiFiConfig.
type WiFiConfig struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	WSPath   string `mapstructure:"ws_path"`
}

// DiagConfig represents a diagConfig.
type DiagConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Config represents a config.
type Config struct {
	RootDir              string        `mapstructure:"-"`
	Method               string        `mapstructure:"method"`
	Serial               SerialConfig  `mapstructure:"serial"`
	WiFi                 WiFiConfig    `mapstructure:"wifi"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	ReconnectIntervalSec int           `mapstructure:"reconnect_interval_sec"`
	SubscribeRateHz      float64       `mapstructure:"subscribe_rate_hz"`
	ProfilesDir          string        `mapstructure:"profiles_dir"`
	Diag                 DiagConfig    `mapstructure:"diag"`
	Log                  logger.Config `mapstructure:"log"`
}

// Load executes the load function.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("riclink")
	v.AddConfigPath(rootDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finish(v, rootDir)
}

// LoadConfig executes the loadConfig function.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("RICLINK_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
	}

	v := newViper()
	v.SetConfigFile(absPath)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	return finish(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("method", MethodUSB)
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("wifi.hostname", "")
	v.SetDefault("wifi.port", 80)
	v.SetDefault("wifi.ws_path", "/ws")
	v.SetDefault("auto_reconnect", true)
	v.SetDefault("reconnect_interval_sec", 5)
	v.SetDefault("subscribe_rate_hz", 10.0)
	v.SetDefault("profiles_dir", "profiles")
	v.SetDefault("diag.enabled", true)
	v.SetDefault("diag.host", "127.0.0.1")
	v.SetDefault("diag.port", 8101)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.name", "riclink.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("riclink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	cfg.ProfilesDir = resolvePath(rootDir, cfg.ProfilesDir, "profiles")
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Method {
	case MethodUSB, MethodExp:
	case MethodWiFi:
		if cfg.WiFi.Hostname == "" {
			return fmt.Errorf("method %q needs wifi.hostname", cfg.Method)
		}
	default:
		return fmt.Errorf("unknown connection method %q", cfg.Method)
	}
	return nil
}

// DiagAddr returns the listen address of the diagnostics server.
func (c Config) DiagAddr() string {
	host := c.Diag.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Diag.Port
	if port == 0 {
		port = 8101
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CommsParams maps the configuration onto transport open parameters. The
// "exp" method is serial over the expansion header, which talks the
// over-ASCII encoding so protocol bytes never collide with console log
// text sharing the UART.
func (c Config) CommsParams() comms.Params {
	params := comms.Params{
		AutoReconnect:        c.AutoReconnect,
		ReconnectIntervalSec: float64(c.ReconnectIntervalSec),
	}
	switch c.Method {
	case MethodUSB:
		params.SerialPort = c.Serial.Port
		params.SerialBaud = c.Serial.Baud
		params.IfType = "plain"
	case MethodExp:
		params.SerialPort = c.Serial.Port
		params.SerialBaud = c.Serial.Baud
		params.IfType = "overascii"
	case MethodWiFi:
		params.Hostname = c.WiFi.Hostname
		params.Port = c.WiFi.Port
		params.WSPath = c.WiFi.WSPath
	}
	return params
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("RICLINK_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "riclink.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
