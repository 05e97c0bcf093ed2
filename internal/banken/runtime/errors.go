package runtime

import "errors"

// ErrUnavailable is returned by every driver operation when the container
// runtime itself is unreachable (missing binary, dead daemon socket).
// Detected once at driver construction; the service keeps running in a
// degraded mode where all container operations fail with this error.
var ErrUnavailable = errors.New("container runtime is not available")

// ErrPortExhausted is returned by the port allocator together with a random
// in-range fallback port when every port in the configured range is bound.
// Callers may proceed with the returned port; creation then fails at the
// runtime level if the port is actually taken, which is retryable.
var ErrPortExhausted = errors.New("no free host port in configured range")
