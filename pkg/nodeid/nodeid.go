// Package nodeid identifies the host process so restarted nodes resume only
// the runs they own.
package nodeid

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

const appID = "strategy-core"

// Resolve returns override when set, else a hashed machine id, else the
// hostname, else a random id.
func Resolve(override string) string {
	if override != "" {
		return override
	}
	if id, err := machineid.ProtectedID(appID); err == nil && id != "" {
		return id[:16]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}
