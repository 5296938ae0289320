package target

import "github.com/gridtree/jobtree/pkg/types"

// Context is the handle a Target's Run method uses to interact with
// its owning job record and the temp directories the harness prepared
// for this chain-execution step (spec §4.3 step 2's "passing it the
// record handle plus the local and global temp directories and the
// current memory/cpu allowance").
type Context struct {
	record        *types.Record
	localTempDir  string
	globalTempDir string
	memory        int64
	cpu           int64
}

// NewContext builds a Context for one harness chain-execution step.
func NewContext(record *types.Record, localTempDir, globalTempDir string, memory, cpu int64) *Context {
	return &Context{
		record:        record,
		localTempDir:  localTempDir,
		globalTempDir: globalTempDir,
		memory:        memory,
		cpu:           cpu,
	}
}

// LocalTempDir is private scratch space purged after every step.
func (c *Context) LocalTempDir() string { return c.localTempDir }

// GlobalTempDir persists across this record's executions.
func (c *Context) GlobalTempDir() string { return c.globalTempDir }

// Memory is the memory allotment this harness invocation was issued
// with (the top follow-on when the harness started), which stays the
// same for every step of a chain.
func (c *Context) Memory() int64 { return c.memory }

// CPU is the cpu allotment this harness invocation was issued with
// (the top follow-on when the harness started), which stays the same
// for every step of a chain.
func (c *Context) CPU() int64 { return c.cpu }

// AddFollowOn schedules a new entry to run immediately after the one
// currently executing, ahead of anything already queued behind it.
func (c *Context) AddFollowOn(spec types.JobSpec) {
	c.record.InsertFollowOnNext(spec)
}

// AddChild declares a new child job, materialised by the controller
// once this record's current execution reaches black. A step that
// declares exactly one child may instead have the harness chain that
// child in as the next follow-on.
func (c *Context) AddChild(spec types.JobSpec) {
	c.record.Children = append(c.record.Children, spec)
}
