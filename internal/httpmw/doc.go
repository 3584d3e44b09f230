// Package httpmw holds the HTTP middleware for the bundle API and asset
// server. httpserver.NewHandler stacks it outermost-in: security headers,
// request ID, client IP resolution, rate limiting, tracing, metrics, the
// request logger, and finally the chi router.
//
// Each middleware stands alone and is tested alone. Log output carries no
// client-supplied strings beyond the request path; query parameters, hosts,
// and user agents stay out so shipped logs hold no tokens and no injected
// content.
package httpmw
