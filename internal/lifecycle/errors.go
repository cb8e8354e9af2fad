package lifecycle

import "errors"

// ErrSessionNotReady is returned synchronously by any operation that needs
// an active session while the health check fails. Callers decide whether to
// retry or queue.
var ErrSessionNotReady = errors.New("session not ready")

// ErrReconnectExhausted is raised after the reconnect attempt cap is
// reached. Terminal until an explicit re-initialize or re-pair.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
