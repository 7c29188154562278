// Package model defines the provider-neutral boundary to language model
// backends: a streaming generation interface, the normalized request/response
// shapes, tool schema declarations and token estimation. Vendor adapters live
// in the subpackages; the failover manager and orchestrator operate only on
// the interfaces declared here.
package model
