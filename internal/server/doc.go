// Package server hosts the Fiber HTTP service, request middleware chain, and
// site registry glue that wires Host resolution into the proxy handler.
// Every site shares one listener; the Host header selects the site, and
// paths under /-/ are reserved for diagnostics routes registered by the
// routes subpackage. Keep exports narrow and accept explicit dependencies.
package server
