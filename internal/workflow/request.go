package workflow

import (
	"encoding/json"
	"fmt"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"math"
	"net/url"
	"strings"
	"time"
)

// Request defaults and limits.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultTimeout      = 3600 * time.Second
	MaxTimeout          = 24 * time.Hour
)

// Request is the sole input of a workflow run. It is owned by one run.
type Request struct {
	Platform     string
	Payload      job.Payload
	CallbackURL  string
	PollInterval time.Duration
	Timeout      time.Duration
}

// requestJSON is the wire form; intervals are whole seconds.
type requestJSON struct {
	Platform       string      `json:"platform,omitempty"`
	Payload        job.Payload `json:"payload"`
	CallbackURL    string      `json:"callback_url,omitempty"`
	PollSeconds    int         `json:"poll_s,omitempty"`
	TimeoutSeconds int         `json:"timeout_s,omitempty"`
}

// UnmarshalJSON decodes the wire form. Absent intervals stay zero until
// WithDefaults is applied.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw requestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Platform = raw.Platform
	r.Payload = raw.Payload
	r.CallbackURL = raw.CallbackURL
	poll, err := seconds("poll_s", raw.PollSeconds)
	if err != nil {
		return err
	}
	timeout, err := seconds("timeout_s", raw.TimeoutSeconds)
	if err != nil {
		return err
	}
	r.PollInterval = poll
	r.Timeout = timeout
	return nil
}

// maxSeconds is the largest second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

func seconds(field string, n int) (time.Duration, error) {
	if int64(n) > maxSeconds || int64(n) < -maxSeconds {
		return 0, apperrors.Validation(field, fmt.Sprintf("%s out of range", field))
	}
	return time.Duration(n) * time.Second, nil
}

// MarshalJSON encodes the wire form.
func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(requestJSON{
		Platform:       r.Platform,
		Payload:        r.Payload,
		CallbackURL:    r.CallbackURL,
		PollSeconds:    int(r.PollInterval / time.Second),
		TimeoutSeconds: int(r.Timeout / time.Second),
	})
}

// WithDefaults returns a copy with zero intervals replaced by the defaults.
func (r Request) WithDefaults() Request {
	if r.PollInterval == 0 {
		r.PollInterval = DefaultPollInterval
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	return r
}

// Validate checks the request without modifying it.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Platform) == "" {
		return apperrors.Validation("platform", "platform is required")
	}
	if r.Payload == nil {
		return apperrors.Validation("payload", "payload is required")
	}
	if r.PollInterval <= 0 {
		return apperrors.Validation("poll_s", "poll interval must be positive")
	}
	if r.PollInterval > MaxTimeout {
		return apperrors.Validation("poll_s", fmt.Sprintf("poll interval exceeds maximum of %d seconds", int(MaxTimeout/time.Second)))
	}
	if r.Timeout <= 0 {
		return apperrors.Validation("timeout_s", "timeout must be positive")
	}
	if r.Timeout > MaxTimeout {
		return apperrors.Validation("timeout_s", fmt.Sprintf("timeout exceeds maximum of %d seconds", int(MaxTimeout/time.Second)))
	}
	if err := validateURL(r.CallbackURL); err != nil {
		return apperrors.Validation("callback_url", fmt.Sprintf("invalid callback URL: %v", err))
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
