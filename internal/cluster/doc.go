// Package cluster defines the small JSON-over-HTTP control protocol spoken
// between the coordinator and node agents, and the client helpers both
// sides use to speak it.
//
// # Messages
//
// Nodes announce themselves with a RegisterRequest carrying their id,
// address and attributes. Attributes are free-form key/value pairs (zone,
// rack, disk type) that allocation filters and awareness rules match
// against.
//
// Nodes learn what they should host by polling the coordinator's routing
// table (RoutingResponse) and report finished or failed recoveries with a
// ShardEvent naming the allocation id they were given.
//
// # Errors
//
// Every non-2xx response carries an ErrorResponse. The helpers turn it into
// a *StatusError holding the method, URL, status code and message, so
// callers can branch on the code with errors.As.
//
// # Timeouts
//
// All helpers share one client with a 5 second timeout; callers bound
// requests further through their context.
package cluster
