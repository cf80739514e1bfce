package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/afero"

	"github.com/cloudboss/metaboot/pkg/constants"
	"github.com/cloudboss/metaboot/pkg/httpclient"
	"github.com/cloudboss/metaboot/pkg/poll"
)

type Config struct {
	ServiceAddress string        `yaml:"service-address,omitempty"`
	APIVersion     string        `yaml:"api-version,omitempty"`
	PasswordPort   int           `yaml:"password-port,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	Attempts       int           `yaml:"attempts,omitempty"`
	MaxWait        time.Duration `yaml:"max-wait,omitempty"`
	PollInterval   time.Duration `yaml:"poll-interval,omitempty"`
	Datasource     string        `yaml:"datasource,omitempty"`
	LoginUser      string        `yaml:"login-user,omitempty"`
	Debug          bool          `yaml:"debug,omitempty"`
}

func Default() *Config {
	return &Config{
		ServiceAddress: constants.ServiceAddressDefault,
		APIVersion:     constants.APIVersionDefault,
		PasswordPort:   constants.PasswordPortDefault,
		Timeout:        constants.TimeoutDefault,
		Attempts:       constants.AttemptsDefault,
		MaxWait:        constants.MaxWaitDefault,
		PollInterval:   constants.PollIntervalDefault,
		Datasource:     constants.DatasourceDefault,
		LoginUser:      constants.LoginUserDefault,
	}
}

// Load reads the YAML file at path over the defaults. A missing file leaves
// the defaults in place.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to decode %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs error
	u, err := url.Parse(c.ServiceAddress)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("invalid service address %s: %w", c.ServiceAddress, err))
	} else if u.Scheme == "" || u.Hostname() == "" {
		errs = errors.Join(errs, fmt.Errorf("service address %s must have a scheme and host",
			c.ServiceAddress))
	}
	if len(c.APIVersion) == 0 {
		errs = errors.Join(errs, errors.New("API version must not be empty"))
	}
	if c.PasswordPort < 1 || c.PasswordPort > 65535 {
		errs = errors.Join(errs, fmt.Errorf("invalid password port %d", c.PasswordPort))
	}
	if c.Attempts < 0 {
		errs = errors.Join(errs, fmt.Errorf("attempts must not be negative, got %d", c.Attempts))
	}
	return errors.Join(errs, c.PollPolicy().Validate())
}

func (c *Config) RetryPolicy() httpclient.RetryPolicy {
	return httpclient.RetryPolicy{
		Timeout:  c.Timeout,
		Attempts: c.Attempts,
	}
}

func (c *Config) PollPolicy() poll.Policy {
	return poll.Policy{
		Timeout:  c.Timeout,
		MaxWait:  c.MaxWait,
		Interval: c.PollInterval,
	}
}

func (c *Config) baseURL() string {
	return strings.TrimSuffix(c.ServiceAddress, "/") + "/" + c.APIVersion
}

// MetadataURL returns the URL of path under the meta-data tree. An empty path
// gives the index of the tree.
func (c *Config) MetadataURL(path string) string {
	return c.baseURL() + "/meta-data/" + strings.TrimPrefix(path, "/")
}

func (c *Config) UserDataURL() string {
	return c.baseURL() + "/user-data"
}

// PasswordURL returns the password server address, which is the service
// host on the password port.
func (c *Config) PasswordURL() (string, error) {
	u, err := url.Parse(c.ServiceAddress)
	if err != nil {
		return "", fmt.Errorf("invalid service address %s: %w", c.ServiceAddress, err)
	}
	pu := &url.URL{
		Scheme: u.Scheme,
		Host:   net.JoinHostPort(u.Hostname(), strconv.Itoa(c.PasswordPort)),
	}
	return pu.String(), nil
}
