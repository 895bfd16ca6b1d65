// Package capture defines the capture request/job data model and its
// validation rules. A request is validated in full before any job is
// submitted; a single invalid field fails the whole request.
package capture

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// ErrValidation is wrapped by every request validation failure so callers
// can map the whole class to a synchronous 4xx response.
var ErrValidation = errors.New("invalid capture request")

// labelPattern matches the Kubernetes label value constraints. The userid is
// stored as a job label so it must satisfy this up front.
const labelPattern = `^(([A-Za-z0-9][-A-Za-z0-9_.]*)?[A-Za-z0-9])?$`

var labelRegexp = regexp.MustCompile(labelPattern)

const labelMessage = "must consist of alphanumeric characters, '-', '_' or '.', and must start and end with an alphanumeric character"

// signingAlgorithms restricts webhook signing to a small digest subset.
var signingAlgorithms = map[string]struct{}{
	"sha1":   {},
	"sha224": {},
	"sha256": {},
	"sha384": {},
	"sha512": {},
}

// Webhook describes a callback to notify when a capture job completes. It is
// passed through to the worker verbatim and never stored by the core.
type Webhook struct {
	CallbackURL         string `json:"callbackUrl"`
	SigningKey          string `json:"signingKey,omitempty"`
	SigningKeyAlgorithm string `json:"signingKeyAlgorithm,omitempty"`
	UserDataField       string `json:"userDataField,omitempty"`
}

// Validate checks the callback URL and the signing fields. A signing key and
// its algorithm must be supplied together or not at all.
func (w Webhook) Validate() error {
	if _, err := ParseTargetURL(w.CallbackURL); err != nil {
		return fmt.Errorf("%w: webhook callbackUrl: %v", ErrValidation, err)
	}
	if (w.SigningKey == "") != (w.SigningKeyAlgorithm == "") {
		return fmt.Errorf("%w: please specify both signingKey and signingKeyAlgorithm", ErrValidation)
	}
	if w.SigningKeyAlgorithm != "" {
		if _, ok := signingAlgorithms[w.SigningKeyAlgorithm]; !ok {
			return fmt.Errorf("%w: unsupported signingKeyAlgorithm %q", ErrValidation, w.SigningKeyAlgorithm)
		}
	}
	return nil
}

// Request is a user request to capture one or more target URLs.
type Request struct {
	URLs     []string  `json:"urls"`
	UserID   string    `json:"userid,omitempty"`
	Tag      string    `json:"tag,omitempty"`
	Embeds   bool      `json:"embeds,omitempty"`
	Webhooks []Webhook `json:"webhooks,omitempty"`
}

// Validate checks the whole request before any side effect.
func (r Request) Validate() error {
	if len(r.URLs) == 0 {
		return fmt.Errorf("%w: urls required", ErrValidation)
	}
	for _, raw := range r.URLs {
		if _, err := ParseTargetURL(raw); err != nil {
			return fmt.Errorf("%w: url %q: %v", ErrValidation, raw, err)
		}
	}
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	for _, wh := range r.Webhooks {
		if err := wh.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUserID enforces the label-safe character set on a userid. An empty
// userid is permitted and means "unowned".
func ValidateUserID(userid string) error {
	if !labelRegexp.MatchString(userid) {
		return fmt.Errorf("%w: userid %s", ErrValidation, labelMessage)
	}
	return nil
}

// ParseTargetURL validates a capture or callback URL: well-formed, http or
// https, non-empty host.
func ParseTargetURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url host required")
	}
	return u, nil
}

// StartResult reports how many jobs a request actually submitted. URLs may be
// fewer than requested: per-URL submission is independent and not rolled back.
type StartResult struct {
	URLs   int      `json:"urls"`
	JobIDs []string `json:"jobids"`
}

// Job is the orchestrator's view of one capture job, reconstructed from
// cluster labels, annotations, and condition flags on every read. The core
// never stores it.
type Job struct {
	JobID       string    `json:"jobid"`
	Index       int       `json:"index"`
	UserID      string    `json:"userid"`
	CaptureURL  string    `json:"captureUrl"`
	UseEmbeds   bool      `json:"useEmbeds"`
	UserTag     string    `json:"userTag"`
	StartTime   time.Time `json:"startTime"`
	ElapsedTime time.Time `json:"elapsedTime"`
	AccessURL   string    `json:"accessUrl,omitempty"`
	Status      Status    `json:"status"`
}

// CheckAccessURL enforces the invariant that an access URL is populated if
// and only if the job is Complete. It runs wherever a Job is handed to a
// caller; a violation is a bug in status derivation, not in caller input.
func (j Job) CheckAccessURL() error {
	if j.Status == StatusComplete && j.AccessURL == "" {
		return fmt.Errorf("complete job %s-%d has no accessUrl", j.JobID, j.Index)
	}
	if j.Status != StatusComplete && j.AccessURL != "" {
		return fmt.Errorf("%s job %s-%d carries an accessUrl", j.Status, j.JobID, j.Index)
	}
	return nil
}
