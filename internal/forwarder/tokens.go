package forwarder

// tokenAllocator hands out packet tokens in increasing order from a random
// seed, wrapping at 0xFFFF and skipping tokens that are still in flight.
type tokenAllocator struct {
	next uint16
}

func newTokenAllocator(seed uint16) *tokenAllocator {
	return &tokenAllocator{next: seed}
}

// allocate returns false only when all 65536 tokens are in flight.
func (a *tokenAllocator) allocate(inFlight func(uint16) bool) (uint16, bool) {
	for i := 0; i <= 0xFFFF; i++ {
		t := a.next
		a.next++
		if !inFlight(t) {
			return t, true
		}
	}
	return 0, false
}
