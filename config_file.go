package chpool

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk representation of pool configuration. Zero
// values leave the corresponding default in place.
type FileConfig struct {
	Host           string            `yaml:"host"`
	Port           int               `yaml:"port"`
	Database       string            `yaml:"database"`
	User           string            `yaml:"user"`
	Password       string            `yaml:"password"`
	ClientName     string            `yaml:"client_name"`
	Settings       map[string]string `yaml:"settings"`
	DialTimeout    time.Duration     `yaml:"dial_timeout"`
	MaxConnections int               `yaml:"max_connections"`
	Prewarm        *int              `yaml:"prewarm"`
	BorrowTimeout  *time.Duration    `yaml:"borrow_timeout"`
	FailMode       string            `yaml:"fail_mode"`
}

// LoadConfig reads a YAML pool configuration from the given path.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	config := &FileConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	if config.Host == "" {
		return nil, errors.Errorf("config %s: host is required", path)
	}

	if _, err := parseFailMode(config.FailMode); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}

	return config, nil
}

// NewPoolFromFile creates a pool from a YAML configuration file. Any
// additional configs are applied after those of the file.
func NewPoolFromFile(path string, configs ...ConfigFunc) (Pool, error) {
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return NewPool(config.Host, append(config.ConfigFuncs(), configs...)...)
}

// ConfigFuncs converts the non-zero fields of the file configuration
// into pool options.
func (c *FileConfig) ConfigFuncs() []ConfigFunc {
	configs := []ConfigFunc{}

	if c.Port != 0 {
		configs = append(configs, WithPort(c.Port))
	}

	if c.Database != "" {
		configs = append(configs, WithDatabase(c.Database))
	}

	if c.User != "" {
		configs = append(configs, WithUser(c.User))
	}

	if c.Password != "" {
		configs = append(configs, WithPassword(c.Password))
	}

	if c.ClientName != "" {
		configs = append(configs, WithClientName(c.ClientName))
	}

	if len(c.Settings) > 0 {
		configs = append(configs, WithSettings(c.Settings))
	}

	if c.DialTimeout != 0 {
		configs = append(configs, WithDialTimeout(c.DialTimeout))
	}

	if c.MaxConnections != 0 {
		configs = append(configs, WithMaxConnections(c.MaxConnections))
	}

	if c.Prewarm != nil {
		configs = append(configs, WithPrewarm(*c.Prewarm))
	}

	if c.BorrowTimeout != nil {
		configs = append(configs, WithBorrowTimeout(*c.BorrowTimeout))
	}

	if c.FailMode != "" {
		// Validated by LoadConfig
		mode, _ := parseFailMode(c.FailMode)
		configs = append(configs, WithFailMode(mode))
	}

	return configs
}

func parseFailMode(value string) (FailMode, error) {
	switch value {
	case "", "soft":
		return FailSoft, nil
	case "loud":
		return FailLoud, nil
	}

	return FailSoft, errors.Errorf("unknown fail mode %q", value)
}
