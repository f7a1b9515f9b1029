package e2ee

import "runtime"

// Wipe overwrites b with zeros. The KeepAlive stops the compiler from
// eliding the scrub when b is about to become unreachable.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
