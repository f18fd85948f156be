// Package storage persists what the bot needs across restarts: the order audit
// trail and the location of the announcement message.
//
// Orders themselves are memory-resident and are never stored here.
package storage
