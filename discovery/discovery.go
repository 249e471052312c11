// Package discovery defines the service-registry contract the SCEP
// server advertises its own liveness through.
package discovery

// Service registers and deregisters this server instance with an
// external service registry.
type Service interface {
	// Register advertises this instance as reachable at
	// advProtocol://advHost:advPort.
	Register(advProtocol, advHost, advPort string) error

	// Deregister removes the advertisement made by Register.
	Deregister() error
}
