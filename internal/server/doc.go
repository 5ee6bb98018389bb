// Package server assembles the Fiber application: fixed top-level routes,
// the package GET catch-all, the signed upload POST, recover and request-ID
// middleware, plus the shared HTTP transports used for all mirror traffic.
// The proxy handler is injected through the PackageHandler interface so
// tests can swap it out.
package server
