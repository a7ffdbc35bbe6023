// Package core holds the dispatcher domain: webhook events and their status
// lifecycle, dispatch rules, trigger records, leases, the error taxonomy, and
// the store and client contracts the runtime packages implement. Core must not
// depend on storage, transport, or provider-specific adapters.
package core
