package cloudconfig

import (
	"bytes"
	"fmt"
	"reflect"

	"dario.cat/mergo"
	yaml "github.com/goccy/go-yaml"

	"github.com/cloudboss/metaboot/pkg/constants"
)

// Config is the subset of cloud-config that the bootstrap produces and the
// account consumer understands.
type Config struct {
	SSHPwauth *bool    `json:"ssh_pwauth,omitempty" yaml:"ssh_pwauth,omitempty"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	Chpasswd  Chpasswd `json:"chpasswd,omitempty" yaml:"chpasswd,omitempty"`
}

type Chpasswd struct {
	Expire *bool `json:"expire,omitempty" yaml:"expire,omitempty"`
}

// ForPassword returns the configuration that enables password
// authentication with password and does not force it to expire.
func ForPassword(password string) *Config {
	return &Config{
		SSHPwauth: p(true),
		Password:  password,
		Chpasswd: Chpasswd{
			Expire: p(false),
		},
	}
}

// Expire reports whether the password must be changed on first login.
func (c *Config) Expire() bool {
	if c.Chpasswd.Expire == nil {
		return true
	}
	return *c.Chpasswd.Expire
}

// Merge overlays other onto c. Fields set in other win, including pointers
// to false.
func (c *Config) Merge(other *Config) error {
	if other == nil {
		return nil
	}
	return mergo.Merge(c, other, mergo.WithOverride,
		mergo.WithTransformers(boolPtrTransformer{}))
}

type boolPtrTransformer struct{}

// Transformer replaces a set *bool with any set *bool from src, so an
// explicit false overrides true.
func (b boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if src.IsNil() || !dst.CanSet() {
			return nil
		}
		dst.Set(src)
		return nil
	}
}

// Effective combines the configuration from the datasource with the one from
// user data. User data takes precedence.
func Effective(extra, user *Config) (*Config, error) {
	cfg := &Config{}
	if err := cfg.Merge(extra.clone()); err != nil {
		return nil, fmt.Errorf("unable to merge datasource configuration: %w", err)
	}
	if err := cfg.Merge(user.clone()); err != nil {
		return nil, fmt.Errorf("unable to merge user data configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{Password: c.Password}
	if c.SSHPwauth != nil {
		out.SSHPwauth = p(*c.SSHPwauth)
	}
	if c.Chpasswd.Expire != nil {
		out.Chpasswd.Expire = p(*c.Chpasswd.Expire)
	}
	return out
}

// ParseUserData decodes user data that starts with #cloud-config. The second
// return value is false for any other kind of user data.
func ParseUserData(userData []byte) (*Config, bool, error) {
	trimmed := bytes.TrimLeft(userData, " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte(constants.UserDataCloudConfigMagic)) {
		return nil, false, nil
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(trimmed, cfg); err != nil {
		return nil, true, fmt.Errorf("unable to decode cloud-config: %w", err)
	}
	return cfg, true, nil
}

// Marshal renders c as a cloud-config document.
func (c *Config) Marshal() ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("unable to encode cloud-config: %w", err)
	}
	return append([]byte(constants.UserDataCloudConfigMagic+"\n"), b...), nil
}

func p[T any](v T) *T {
	return &v
}
