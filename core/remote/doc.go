// Package remote orchestrates remote connectivity: it sequences "get a
// valid certificate" before "establish the tunnel", re-validates the
// certificate once a day shortly after midnight, and reacts to
// cloud-pushed connectivity commands received over the message channel.
//
// The tunnel transport and token refresh are external collaborators
// behind the Tunnel and TokenSource interfaces; the orchestrator only
// owns the sequencing, retry and scheduling around them. Connectivity
// state changes are announced on the event bus.
package remote
