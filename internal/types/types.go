package types

// Request type codes carried in the wire frame. They select which concrete
// handler executes the request.
const (
	ReqTypeDAG      int64 = 103
	ReqTypeAnalyze  int64 = 104
	ReqTypeChecksum int64 = 105
)

type Status byte

const (
	StatusOK Status = iota
	StatusError
	StatusOutdated
	StatusBusy
	StatusNotFound
)

// KeyRange is a half-open key interval [Start, End). An empty End means
// unbounded above.
type KeyRange struct {
	Start []byte
	End   []byte
}

// RPCContext is the request-scoped metadata forwarded by the compute layer.
// The coprocessor core does not interpret it beyond diagnostics.
type RPCContext struct {
	RegionID    uint64
	RegionEpoch uint64
}

// Stats is the snapshot returned by the stats command.
type Stats struct {
	Keys           int64  `json:"keys"`
	RunningTasks   int    `json:"running_tasks"`
	WorkerCapacity int    `json:"worker_capacity"`
	DataPath       string `json:"data_path"`
}
