// Package fleetlock holds the wire types of the FleetLock reboot protocol.
package fleetlock

import (
	"errors"
	"strings"
)

// HeaderName must be set to "true" on every protocol request.
const HeaderName = "fleet-lock-protocol"

// Response kinds.
const (
	KindLockAcquired = "lock_acquired"
	KindLockReleased = "lock_released"

	KindErrLock       = "err_lock"
	KindErrValue      = "err_value"
	KindErrStrategy   = "err_strategy"
	KindErrKubeAPI    = "err_kube_api"
	KindErrUnknown    = "err_unknown"
	KindErrImpossible = "err_impossible"
)

// ClientParams identifies the requesting node.
type ClientParams struct {
	// Group is reserved for multi-group fleets and not used for locking.
	Group string `json:"group"`
	ID    string `json:"id"`
}

// Request is the body of both protocol operations.
type Request struct {
	ClientParams ClientParams `json:"client_params"`
}

// Validate checks the mandatory fields.
func (r Request) Validate() error {
	if strings.TrimSpace(r.ClientParams.ID) == "" {
		return errors.New("client_params.id is required")
	}
	return nil
}

// Response is returned for successes and errors alike.
type Response struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}
