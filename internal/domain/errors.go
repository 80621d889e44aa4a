package domain

import "errors"

var (
	// ErrTransientFetch marks network, timeout and upstream 5xx failures.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrIntegrity marks a package that is malformed or fails verification.
	ErrIntegrity = errors.New("package integrity violation")
	// ErrSyncInProgress is returned to explicit callers while a run is active.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrCommit marks a failed index commit. The index is left untouched.
	ErrCommit = errors.New("index commit failed")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
)

// Retryable reports whether a failed run may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientFetch) || errors.Is(err, ErrCommit)
}

// ProviderError ties a failure to the provider whose package caused it.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return "provider " + e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderErrors flattens err, including joined errors, into the provider
// failures it carries.
func ProviderErrors(err error) []*ProviderError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*ProviderError
		for _, e := range joined.Unwrap() {
			out = append(out, ProviderErrors(e)...)
		}
		return out
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return []*ProviderError{pe}
	}
	return nil
}
