package state

import (
	"fmt"
	"os"
	"sync"

	"github.com/denisbrodbeck/machineid"
)

var ownerOnce = sync.OnceValue(func() string {
	host, err := machineid.ProtectedID("rlmrepl")
	if err != nil {
		host, _ = os.Hostname()
	}
	if len(host) > 12 {
		host = host[:12]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
})

// OwnerID identifies this process for state leases: a stable per-machine
// id plus the process id.
func OwnerID() string {
	return ownerOnce()
}
