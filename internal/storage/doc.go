// Package storage defines persistence contracts for backchannel requests,
// grants, and sealed provider credentials.
//
// These interfaces keep the engine and vault separate from storage technology
// and let the domain model evolve without changing HTTP handlers.
package storage
