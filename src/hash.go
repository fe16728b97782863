package patty

/*------------------------------------------------------------------
 *
 * Purpose:	Jenkins one-at-a-time hash, staged as init/data/end so
 *		callers can mix more than one value (e.g. an address
 *		pair) before finishing.
 *
 *---------------------------------------------------------------*/

type Hash uint32

func HashInit() Hash {
	return 0xffffffdf
}

func (h Hash) Data(buf []byte) Hash {
	for _, c := range buf {
		h += Hash(c)
		h += h << 10
		h ^= h >> 6
	}

	return h
}

func (h Hash) End() Hash {
	h += h << 3
	h ^= h >> 11
	h += h << 15

	return h
}

// HashBytes is the one-shot convenience wrapper equivalent to calling
// HashInit, Data, End in sequence.
func HashBytes(buf []byte) Hash {
	return HashInit().Data(buf).End()
}
