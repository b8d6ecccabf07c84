package cf

import (
	"errors"
	"fmt"
)

// ChallengeError is returned by error-based call sites (the colly bridge,
// the browser engine) when a challenge blocked the request. The gateway's
// result values carry the same information as queue.Result fields.
type ChallengeError struct {
	URL        string
	StatusCode int
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("challenge_blocked: status=%d url=%s", e.StatusCode, e.URL)
}

// IsChallengeError checks if an error is or wraps a ChallengeError.
func IsChallengeError(err error) (*ChallengeError, bool) {
	var cfErr *ChallengeError
	if errors.As(err, &cfErr) {
		return cfErr, true
	}
	return nil, false
}
