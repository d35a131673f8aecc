package metrics

import "testing"

func TestRegister_Idempotent(t *testing.T) {
	// Register is guarded by a sync.Once so repeated calls must not panic.
	Register()
	Register()
}
