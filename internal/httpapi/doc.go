// Package httpapi exposes the subscription reconciler over HTTP.
//
// The router is built on chi. User-facing routes live under /v1/subscription
// and trust an upstream gateway to authenticate the caller and forward its id
// in the X-User-ID header. Provider webhooks are accepted at
// /webhooks/{provider}; operator recovery sits behind a bearer admin token.
package httpapi
