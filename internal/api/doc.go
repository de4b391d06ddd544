// Package api contains API service implementations.
//
// The ciba subpackage hosts the HTTP surface of the service: client
// initiation and token polling, owner review and approval, and grant and
// credential management. Handlers translate between wire formats and the
// backchannel and vault domain packages; business rules live in those
// packages, not here.
package api
