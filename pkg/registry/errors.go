package registry

import "fmt"

// DuplicateRegistrationError is returned when a proxy/register call names an
// id that is already registered under a different pid (spec §3, §7, §8 S3).
type DuplicateRegistrationError struct {
	ID            string
	ExistingPID   int
	ExistingPort  int
	RequestedPID  int
	RequestedPort int
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf(
		"backend %q already registered with pid %d on port %d (requested pid %d, port %d)",
		e.ID, e.ExistingPID, e.ExistingPort, e.RequestedPID, e.RequestedPort,
	)
}

// NotFoundError is returned by Get/heartbeat-style lookups that can't find id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend %q not found", e.ID)
}
