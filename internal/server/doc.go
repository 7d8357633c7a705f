// Package server hosts the Fiber HTTP service, the request middleware chain
// and the shared upstream http.Client. Everything outside the /-/ namespace
// is handed to an injected ProxyHandler (the interception handler); the
// routes subpackage attaches status, diagnostics and metrics endpoints.
// Keep exports narrow and accept explicit dependencies.
package server
