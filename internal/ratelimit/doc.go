// Package ratelimit throttles abusive clients per IP, in memory, on a single
// instance. Uploads are the expensive path in this service: one POST can cost
// an archive extraction and hundreds of storage writes, so the limiter wraps
// the bundle management API while asset serving stays unthrottled.
//
// It is defense in depth behind upstream filtering, not a substitute for it.
// Distributed floods and traffic that stays under the configured rate pass
// through; a WAF or CDN has to handle those.
package ratelimit
