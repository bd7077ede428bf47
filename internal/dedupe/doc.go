// Package dedupe suppresses duplicate SEND frames. Clients that retry a send
// after a dropped connection reuse the frame's message-id header; the gateway
// acknowledges the retry but dispatches the message only once per identity
// within the TTL window.
package dedupe
