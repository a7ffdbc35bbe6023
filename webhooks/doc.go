// Package webhooks authenticates and records inbound repository events.
//
// Every request ends in one of three outcomes: accepted (stored and handed
// to the dispatcher), duplicate (delivery id already stored) or rejected
// (stored with status rejected and never dispatched).
package webhooks
