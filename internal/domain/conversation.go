package domain

// Turn is a single persisted exchange: the aggregated user message and the
// reply the engine produced for it.
type Turn struct {
	PK       string
	SK       string
	ThreadID string
	Sender   string
	Text     string
	Answer   string
	Status   string
	TTL      int64
}

// ThreadMeta stores aggregate state for one sender's thread.
type ThreadMeta struct {
	PK           string
	SK           string
	ThreadID     string
	Sender       string
	LastActivity string
	Turns        int
	TTL          int64
}
