package freshness

import "time"

type Band int

const (
	Empty Band = iota
	Fresh
	Stale
	Expired
)

func (b Band) String() string {
	switch b {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "empty"
	}
}

// Servable reports whether a record in this band may be returned without a blocking fetch.
func (b Band) Servable() bool {
	return b == Fresh || b == Stale
}

// Classify maps a record age onto a band. A capture time further in the
// future than one revalidate window counts as corrupted.
func Classify(age, revalidate, cacheTime time.Duration) Band {
	switch {
	case age < -revalidate:
		return Expired
	case age <= revalidate:
		return Fresh
	case age <= cacheTime:
		return Stale
	default:
		return Expired
	}
}
