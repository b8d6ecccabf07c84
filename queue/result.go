package queue

// Kind classifies a failed Result. Errors are values here; nothing in the
// request path panics or returns a Go error to the caller.
type Kind int

const (
	KindNone Kind = iota
	// KindNetwork is a transport-level failure (connect, timeout).
	KindNetwork
	// KindChallengeBlocked means the detector fired on the response.
	KindChallengeBlocked
	// KindUnsolvable means the browser exhausted both solve modes, or a
	// second challenge appeared right after a successful solve.
	KindUnsolvable
	// KindVerificationFailed means the post-solve verifier did not reach 2xx.
	KindVerificationFailed
	// KindNotInitialized means the gateway was used before EnsureInitialized.
	KindNotInitialized
	// KindCancelled means the caller abandoned the request.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network error"
	case KindChallengeBlocked:
		return "challenge blocked"
	case KindUnsolvable:
		return "challenge unsolvable"
	case KindVerificationFailed:
		return "verification failed"
	case KindNotInitialized:
		return "not initialized"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the value every request completes with, success or not.
// Invariants: OK implies Body and FinalURL are set; ChallengeBlocked implies
// not OK. Use the constructors to keep them.
type Result struct {
	OK               bool
	Body             []byte
	StatusCode       int
	FinalURL         string
	Kind             Kind
	ChallengeBlocked bool
	Reason           string
}

// Success builds an OK result. body must be non-nil and finalURL non-empty.
func Success(body []byte, statusCode int, finalURL string) Result {
	if body == nil {
		body = []byte{}
	}
	return Result{
		OK:         true,
		Body:       body,
		StatusCode: statusCode,
		FinalURL:   finalURL,
	}
}

// Blocked builds a challenge-blocked result.
func Blocked(statusCode int, finalURL string, body []byte) Result {
	return Result{
		StatusCode:       statusCode,
		FinalURL:         finalURL,
		Body:             body,
		Kind:             KindChallengeBlocked,
		ChallengeBlocked: true,
		Reason:           "challenge blocked",
	}
}

// Failure builds a non-challenge failure.
func Failure(kind Kind, reason string) Result {
	return Result{Kind: kind, Reason: reason}
}

// Cancelled builds the result of an abandoned request.
func Cancelled() Result {
	return Failure(KindCancelled, "cancelled")
}
