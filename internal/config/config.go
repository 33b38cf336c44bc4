package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/mcuadros/go-defaults"
	"github.com/rb3ckers/dualwrite/datatypes"
)

const (
	PolicyAlways         = "always"
	PolicyPrimarySuccess = "primary-success"
)

// ErrInvalidConfig is returned for any configuration that must stop the proxy from serving.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ListenAddress         string   `yaml:"listen" default:":8080"`
	PrimaryTarget         string   `yaml:"primary" default:"http://localhost:3000"`
	SecondaryTarget       string   `yaml:"secondary" default:"http://localhost:3001"`
	PrimaryTimeoutMs      int      `yaml:"primary-timeout-ms" default:"30000"`
	PrimaryRetries        int      `yaml:"primary-retries" default:"2"`
	PrimaryRetryDelayMs   int      `yaml:"primary-retry-delay-ms" default:"100"`
	SecondaryTimeoutMs    int      `yaml:"secondary-timeout-ms" default:"5000"`
	SecondaryRetries      int      `yaml:"secondary-retries" default:"1"`
	SecondaryRetryDelayMs int      `yaml:"secondary-retry-delay-ms" default:"50"`
	MaxBodyBytes          int      `yaml:"max-body-bytes" default:"10485760"`
	MirrorPolicy          string   `yaml:"mirror-policy" default:"always"`
	TrustMarkerFrom       []string `yaml:"trust-marker-from"`
	MaxInflightMirrors    int      `yaml:"max-inflight-mirrors" default:"500"`
	RetryAfter            int      `yaml:"retry-after" default:"60"`
	ShutdownGraceMs       int      `yaml:"shutdown-grace-ms" default:"10000"`
	StatusListenAddress   string   `yaml:"status-address"`
	StatusEndpoint        string   `yaml:"status" default:"targets"`
	HealthEndpoint        string   `yaml:"health" default:"healthz"`
	MetricsEndpoint       string   `yaml:"metrics" default:"metrics"`
	Username              string   `yaml:"username"`
	Password              string   `yaml:"password"`
	PasswordFile          string   `yaml:"passwordFile"`
}

func (s *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	defaults.SetDefaults(s)

	type cfg Config

	if err := unmarshal((*cfg)(s)); err != nil {
		return err
	}

	return nil
}

func Default() *Config {
	c := &Config{}
	defaults.SetDefaults(c)

	return c
}

// Validate checks everything that can be checked before binding a socket.
// Any failure wraps ErrInvalidConfig.
func (s *Config) Validate() error {
	err := validation.ValidateStruct(s,
		validation.Field(&s.ListenAddress, validation.Required),
		validation.Field(&s.PrimaryTarget, validation.Required, is.URL, validation.By(backendURL)),
		validation.Field(&s.SecondaryTarget, validation.Required, is.URL, validation.By(backendURL)),
		validation.Field(&s.PrimaryTimeoutMs, validation.Required, validation.Min(1)),
		validation.Field(&s.PrimaryRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&s.PrimaryRetryDelayMs, validation.Min(0)),
		validation.Field(&s.SecondaryTimeoutMs, validation.Required, validation.Min(1)),
		validation.Field(&s.SecondaryRetries, validation.Min(0), validation.Max(3)),
		validation.Field(&s.SecondaryRetryDelayMs, validation.Min(0)),
		validation.Field(&s.MaxBodyBytes, validation.Required, validation.Min(1)),
		validation.Field(&s.MirrorPolicy, validation.Required, validation.In(PolicyAlways, PolicyPrimarySuccess)),
		validation.Field(&s.TrustMarkerFrom, validation.Each(validation.By(prefixOrAddr))),
		validation.Field(&s.MaxInflightMirrors, validation.Required, validation.Min(1)),
		validation.Field(&s.RetryAfter, validation.Min(1)),
		validation.Field(&s.ShutdownGraceMs, validation.Min(0)),
		validation.Field(&s.StatusEndpoint, validation.Required),
		validation.Field(&s.HealthEndpoint, validation.Required),
		validation.Field(&s.MetricsEndpoint, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Targets builds the immutable primary and secondary backend targets.
func (s *Config) Targets() (primary, secondary datatypes.BackendTarget, err error) {
	if err := s.Validate(); err != nil {
		return primary, secondary, err
	}

	// Validate already parsed both URLs successfully
	primaryURL, _ := url.Parse(s.PrimaryTarget)
	secondaryURL, _ := url.Parse(s.SecondaryTarget)

	primary = datatypes.BackendTarget{
		Name:       datatypes.PrimaryName,
		URL:        primaryURL,
		Timeout:    millis(s.PrimaryTimeoutMs),
		Retries:    s.PrimaryRetries,
		RetryDelay: millis(s.PrimaryRetryDelayMs),
	}

	secondary = datatypes.BackendTarget{
		Name:       datatypes.SecondaryName,
		URL:        secondaryURL,
		Timeout:    millis(s.SecondaryTimeoutMs),
		Retries:    s.SecondaryRetries,
		RetryDelay: millis(s.SecondaryRetryDelayMs),
	}

	return primary, secondary, nil
}

// TrustedPrefixes returns the peers whose loop marker is honored.
// Without explicit configuration only loopback peers are trusted.
func (s *Config) TrustedPrefixes() []netip.Prefix {
	if len(s.TrustMarkerFrom) == 0 {
		return []netip.Prefix{
			netip.MustParsePrefix("127.0.0.0/8"),
			netip.MustParsePrefix("::1/128"),
		}
	}

	prefixes := make([]netip.Prefix, 0, len(s.TrustMarkerFrom))

	for _, v := range s.TrustMarkerFrom {
		if p, err := parsePrefix(v); err == nil {
			prefixes = append(prefixes, p)
		}
	}

	return prefixes
}

func (s *Config) ShutdownGrace() time.Duration {
	return millis(s.ShutdownGraceMs)
}

func millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func backendURL(value interface{}) error {
	raw, _ := value.(string)

	u, err := url.Parse(raw)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "scheme must be http or https")
	}

	if u.Host == "" {
		return validation.NewError("validation_invalid_host", "must contain a host")
	}

	return nil
}

func prefixOrAddr(value interface{}) error {
	raw, _ := value.(string)

	if _, err := parsePrefix(raw); err != nil {
		return validation.NewError("validation_invalid_prefix", "must be an IP address or CIDR prefix")
	}

	return nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(raw); err == nil {
		return p.Masked(), nil
	}

	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
