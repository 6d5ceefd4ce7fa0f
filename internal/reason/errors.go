package reason

import "errors"

// ErrTokenLimitExceeded signals the backend's context window is
// exhausted. Retrying cannot help; the engine fails the subtask.
var ErrTokenLimitExceeded = errors.New("token limit exceeded")
