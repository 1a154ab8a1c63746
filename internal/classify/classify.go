package classify

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"sissync/internal/sis"

	"go.uber.org/zap"
)

// Kind is the severity of a classified failure. It is decided once, by the
// Classifier, and carried immutably on the error from then on.
type Kind string

const (
	// Fatal errors abort the whole sync operation
	Fatal Kind = "FATAL"
	// Recoverable errors are retried or skipped, never abort the operation
	Recoverable Kind = "RECOVERABLE"
)

// Pipeline stages, recorded on classified errors for the run summary
const (
	StagePlan       = "plan"
	StageFetch      = "fetch"
	StageTransform  = "transform"
	StageWrite      = "write"
	StageCheckpoint = "checkpoint"
)

// ClassifiedError wraps a failure with its severity and the pipeline context
// it occurred in. BatchIndex is -1 until the failure is tied to a batch.
type ClassifiedError struct {
	Kind       Kind
	Stage      string
	School     string
	Chunk      string
	BatchIndex int64
	RecordKey  string
	Err        error
	At         time.Time
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewRecoverable wraps err as a RECOVERABLE failure at the given stage
func NewRecoverable(stage string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: Recoverable, Stage: stage, BatchIndex: -1, Err: err, At: time.Now()}
}

// NewFatal wraps err as a FATAL failure at the given stage
func NewFatal(stage string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: Fatal, Stage: stage, BatchIndex: -1, Err: err, At: time.Now()}
}

// IsFatal reports whether err carries a FATAL classification
func IsFatal(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Kind == Fatal
}

// Classifier labels failures FATAL or RECOVERABLE
type Classifier struct {
	logger *zap.Logger
}

// New creates a Classifier
func New(logger *zap.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify determines the severity of err. Rules, checked in order:
// pre-classified errors keep their kind; auth/credential, DNS,
// connection-refused and certificate errors are FATAL; timeouts,
// rate-limiting and server-side errors are RECOVERABLE. Anything
// unrecognized defaults to RECOVERABLE with a logged warning so it is
// never silently dropped.
func (c *Classifier) Classify(err error) Kind {
	if err == nil {
		return Recoverable
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Recoverable
	}

	var apiErr *sis.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return Fatal
		case apiErr.StatusCode == 408 || apiErr.StatusCode == 429:
			return Recoverable
		case apiErr.StatusCode >= 500:
			return Recoverable
		}
		return Recoverable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Fatal
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return Fatal
	}

	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return Fatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Recoverable
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "malformed credential"),
		strings.Contains(errStr, "invalid credential"),
		strings.Contains(errStr, "unauthorized"):
		return Fatal
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "temporary"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "rate limit"):
		return Recoverable
	}

	c.logger.Warn("Unclassified error, treating as recoverable", zap.Error(err))
	return Recoverable
}

// Wrap classifies err and attaches stage context. If err is already
// classified, the original classification and context are preserved.
func (c *Classifier) Wrap(stage string, err error) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{
		Kind:       c.Classify(err),
		Stage:      stage,
		BatchIndex: -1,
		Err:        err,
		At:         time.Now(),
	}
}
