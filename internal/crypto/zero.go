package crypto

// Zero wipes b in place. Callers use it on seeds, DEKs, and unwrapped
// secrets once they are no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ZeroAll wipes every slice passed to it.
func ZeroAll(bufs ...[]byte) {
	for _, b := range bufs {
		Zero(b)
	}
}
