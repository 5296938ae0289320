// Package types defines the core domain models shared by the store,
// batcher, harness and controller: the persistent job record and its
// colour state machine.
package types

// Colour is a job record's position in the state machine (spec §4.5).
type Colour string

const (
	Grey  Colour = "grey"  // ready to run
	Blue  Colour = "blue"  // children pending
	Black Colour = "black" // last dispatch succeeded
	Red   Colour = "red"   // last dispatch failed
	Dead  Colour = "dead"  // completed, pending deletion
)

// JobSpec is the (command, memory, cpu) tuple used both for follow-on
// stack entries and for declared-but-not-yet-materialised children.
type JobSpec struct {
	Command string `json:"command"`
	Memory  int64  `json:"memory"`
	CPU     int64  `json:"cpu"`
}

// IsStub reports whether this entry is the zero-command placeholder
// the harness appends to force control back to the controller.
func (j JobSpec) IsStub() bool {
	return j.Command == ""
}

// Stats holds per-record timing and resource measurements, populated
// by the harness when the record's config enables stats collection.
type Stats struct {
	WallTimeSeconds  float64 `json:"wall_time_seconds"`
	CPUTimeSeconds   float64 `json:"cpu_time_seconds"`
	MaxResidentBytes int64   `json:"max_resident_bytes"`
}

// Record is one node in the job tree: the persistent unit the store,
// batcher, harness and controller all operate on. Its `File` field is
// its identity (invariant I6) and must never change after creation.
type Record struct {
	File   string `json:"file"`
	Parent string `json:"parent,omitempty"`

	Colour              Colour `json:"colour"`
	RemainingRetryCount int    `json:"remaining_retry_count"`
	ChildCount          int    `json:"child_count"`
	BlackChildCount     int    `json:"black_child_count"`

	// FollowOns is an ordered stack; index 0 is next to execute, and it
	// is popped by reslicing to FollowOns[1:] rather than by taking from
	// the tail (see PopFollowOn).
	FollowOns []JobSpec `json:"follow_ons"`
	Children  []JobSpec `json:"children"`

	LogFile       string `json:"log_file"`
	SlaveLogFile  string `json:"slave_log_file"`
	GlobalTempDir string `json:"global_temp_dir"`

	JobCreationTime float64 `json:"job_creation_time"`
	JobTime         float64 `json:"job_time"`
	MaxLogFileSize  int64   `json:"max_log_file_size"`
	DefaultMemory   int64   `json:"default_memory"`
	DefaultCPU      int64   `json:"default_cpu"`
	EnvironmentFile string  `json:"environment_file"`
	LogLevel        string  `json:"log_level"`

	ReportAllJobLogFiles bool   `json:"report_all_job_log_files,omitempty"`
	Stats                *Stats `json:"stats,omitempty"`
}

// PopFollowOn removes and returns the top of the follow-on stack.
// Callers must check len(FollowOns) > 0 first (invariant I5).
func (r *Record) PopFollowOn() JobSpec {
	top := r.FollowOns[0]
	r.FollowOns = r.FollowOns[1:]
	return top
}

// PeekFollowOn returns the top of the follow-on stack without removing it.
func (r *Record) PeekFollowOn() JobSpec {
	return r.FollowOns[0]
}

// PushFollowOn pushes a new entry onto the top of the follow-on stack,
// so it runs before anything already queued — used when a singleton
// declared child is chained in as the next step (spec §4.3 step 5,
// "convert that single child into a follow-on (push it)").
func (r *Record) PushFollowOn(spec JobSpec) {
	r.FollowOns = append([]JobSpec{spec}, r.FollowOns...)
}

// AppendFollowOn adds a new entry at the bottom of the follow-on
// stack, so it runs only after everything already queued — used for
// the stub follow-on appended to guarantee the controller regains
// control once a batch of children completes (spec §4.3 step 5,
// "append a stub follow-on").
func (r *Record) AppendFollowOn(spec JobSpec) {
	r.FollowOns = append(r.FollowOns, spec)
}

// InsertFollowOnNext inserts spec directly behind the entry currently
// executing (index 0), so it runs immediately once that entry finishes
// but nothing already queued behind it is reordered. Used by user code
// declaring a follow-on while its own entry is still at the top of the
// stack (see target.Context.AddFollowOn) — a raw PushFollowOn there
// would bury the still-unpopped running entry one slot deeper, and the
// caller's subsequent pop would discard the just-declared follow-on
// instead of the entry that actually finished.
func (r *Record) InsertFollowOnNext(spec JobSpec) {
	if len(r.FollowOns) == 0 {
		r.FollowOns = []JobSpec{spec}
		return
	}
	rest := append([]JobSpec{spec}, r.FollowOns[1:]...)
	r.FollowOns = append(r.FollowOns[:1:1], rest...)
}

// Clone returns a deep copy of the record, so the copy shares no
// follow-on, children or stats storage with the original.
func (r *Record) Clone() *Record {
	c := *r
	c.FollowOns = append([]JobSpec(nil), r.FollowOns...)
	c.Children = append([]JobSpec(nil), r.Children...)
	if r.Stats != nil {
		s := *r.Stats
		c.Stats = &s
	}
	return &c
}
