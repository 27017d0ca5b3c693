package desc

import "time"

// Timestamp is a start/end pair of wall-clock times.
type Timestamp struct {
	Begin time.Time
	End   time.Time
}

// Start records the beginning.
func (t *Timestamp) Start() { t.Begin = time.Now() }

// Stop records the end.
func (t *Timestamp) Stop() { t.End = time.Now() }

// Duration returns End-Begin, or zero when the timestamp is incomplete.
func (t Timestamp) Duration() time.Duration {
	if t.Begin.IsZero() || t.End.Before(t.Begin) {
		return 0
	}
	return t.End.Sub(t.Begin)
}

// GraphNodeTiming covers the recording of one pass.
type GraphNodeTiming struct {
	NodeName string
	CPUTime  Timestamp
}

// CommandListTiming covers the compilation and execution of one list,
// together with the synchronization the scheduler gave it.
type CommandListTiming struct {
	Nodes              []GraphNodeTiming
	GPU                int
	Queue              QueueType
	FromSubmit         Timestamp
	BarrierAdd         Timestamp
	BarrierSolveLocal  Timestamp
	BarrierSolveGlobal Timestamp
	FillNativeList     Timestamp
	Submitted          Timestamp
	PacketBytes        int
	Barriers           int
	Acquires           int
	Releases           int
	Waits              int
	// WaitValues are the timeline values the list waits for, one per wait.
	WaitValues []uint64
	// Signal is the queue timeline value the list signals, zero for none.
	Signal uint64
	Fenced bool
}

// SubmitTiming covers one graph submission.
type SubmitTiming struct {
	ID               uint64
	TimeBeforeSubmit Timestamp
	Submit           Timestamp
	AddNodes         Timestamp
	FillCommandLists Timestamp
	SubmitSolve      Timestamp
	Lists            []CommandListTiming
}
