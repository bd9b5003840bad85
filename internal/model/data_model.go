package model

type OpsType byte

const (
	PUT OpsType = iota
	DELETE
	// BATCH wraps several PUT/DELETE mutations in a single commit log record.
	BATCH
)

func (op OpsType) String() string {
	switch op {
	case PUT:
		return "put"
	case DELETE:
		return "delete"
	case BATCH:
		return "batch"
	default:
		return "unknown"
	}
}

type Mutation struct {
	Op       OpsType
	Key      []byte
	Value    []byte
	Sequence uint64
	// Batch is only set when Op is BATCH.
	Batch []Mutation
}
