package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages. Callers match them with errors.Is.
var (
	ErrNotFound      = errors.New("record not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
)

// ConfigError reports a malformed rule set, policy document or config file.
// Configuration errors halt a run before any case is touched.
type ConfigError struct {
	Source string // file or document the problem was found in
	Msg    string
	Err    error
}

// NewConfigError builds a ConfigError. err may be nil.
func NewConfigError(source, msg string, err error) *ConfigError {
	return &ConfigError{Source: source, Msg: msg, Err: err}
}

func (e *ConfigError) Error() string {
	s := "configuration error"
	if e.Source != "" {
		s += " in " + e.Source
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfiguration}
	}
	return []error{ErrConfiguration, e.Err}
}

// Warning is a referential problem that is tolerated and counted, for example an
// alert that points at a transaction id the store does not hold.
type Warning struct {
	CaseID string `json:"case_id,omitempty"`
	Kind   string `json:"kind"`
	Ref    string `json:"ref,omitempty"`
	Msg    string `json:"message"`
}

func (w Warning) String() string {
	if w.CaseID == "" {
		return fmt.Sprintf("%s: %s", w.Kind, w.Msg)
	}
	return fmt.Sprintf("case %s: %s: %s", w.CaseID, w.Kind, w.Msg)
}

// Warning kinds.
const (
	WarnMissingAlert       = "missing_alert"
	WarnMissingTransaction = "missing_transaction"
	WarnMissingCustomer    = "missing_customer"
	WarnUndelivered        = "undelivered_decision"
)
