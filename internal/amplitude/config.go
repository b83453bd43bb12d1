// Package amplitude talks to the product-analytics provider's export API:
// day-granularity archive downloads and repackaging for downstream delivery.
package amplitude

import (
	"errors"
	"fmt"
	"time"

	"github.com/userprops-io/userprops/internal/config"
)

// Source selects which credential pair authenticates an export request.
type Source string

// Credentialed sources.
const (
	SourceWeb    Source = "web"
	SourceMobile Source = "mobile"
)

const (
	defaultBaseURL = "https://amplitude.com/api/2"

	// defaultTimeout is generous on purpose; a single day of export data can
	// take half an hour to stream.
	defaultTimeout = 2000 * time.Second
)

// Sentinel errors for provider configuration and credential lookup.
var (
	// ErrUnknownSource is returned for a source outside {web, mobile}.
	ErrUnknownSource = errors.New("unknown amplitude source")

	// ErrMissingCredentials is returned when the selected source has no
	// client id or secret configured.
	ErrMissingCredentials = errors.New("missing amplitude credentials")
)

type (
	// Credentials is one HTTP Basic auth pair.
	Credentials struct {
		ClientID  string
		SecretKey string
	}

	// Config holds provider endpoint and per-source credentials.
	Config struct {
		BaseURL string
		Timeout time.Duration
		Web     Credentials
		Mobile  Credentials
	}
)

// LoadConfig loads provider configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		BaseURL: config.GetEnvStr("AMPLITUDE_BASE_URL", defaultBaseURL),
		Timeout: config.GetEnvDuration("AMPLITUDE_TIMEOUT", defaultTimeout),
		Web: Credentials{
			ClientID:  config.GetEnvStr("AMPLITUDE_WEB_CLIENT_ID", ""),
			SecretKey: config.GetEnvStr("AMPLITUDE_WEB_SECRET_KEY", ""),
		},
		Mobile: Credentials{
			ClientID:  config.GetEnvStr("AMPLITUDE_MOBILE_CLIENT_ID", ""),
			SecretKey: config.GetEnvStr("AMPLITUDE_MOBILE_SECRET_KEY", ""),
		},
	}
}

// CredentialsFor returns the credential pair for a source.
func (c *Config) CredentialsFor(source Source) (Credentials, error) {
	var creds Credentials

	switch source {
	case SourceWeb:
		creds = c.Web
	case SourceMobile:
		creds = c.Mobile
	default:
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	if creds.ClientID == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("%w: source %q", ErrMissingCredentials, source)
	}

	return creds, nil
}
