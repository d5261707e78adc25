// Package h2conn implements a server-side HTTP/2 connection core: the
// single-connection state machine, frame reader loop, flow control, and
// stream table described by RFC 7540, wired together with a small ambient
// stack (standard-library log.Logger, Prometheus metrics, OpenTelemetry
// tracing).
//
// It does not provide HTTP routing, middleware, or an HTTP/1.1 fallback.
// Callers give a Server a Handler; the Server accepts connections itself
// (TLS with ALPN "h2" via ListenAndServeTLS, or plaintext HTTP/2 via
// ListenAndServe) and owns everything from the connection preface onward.
package h2conn
