package bulk

// StatusKind discriminates the download status union.
type StatusKind string

const (
	StatusNone     StatusKind = "none"
	StatusProgress StatusKind = "progress"
	StatusFailed   StatusKind = "failed"
	StatusDone     StatusKind = "done"
)

// Status is the current state of one bulk download. Only the fields of the
// active kind are meaningful.
type Status struct {
	Kind StatusKind `json:"kind"`

	// Progress
	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`

	// Failed
	Error string `json:"error,omitempty"`

	// Done
	Path string `json:"path,omitempty"`
}

// None is the status of a task that has never been started.
func None() Status { return Status{Kind: StatusNone} }

// Progress reports completed of total segments stored.
func Progress(completed, total int) Status {
	return Status{Kind: StatusProgress, Completed: completed, Total: total}
}

// Failed marks a download that gave up.
func Failed(err error) Status {
	return Status{Kind: StatusFailed, Error: err.Error()}
}

// Done marks a finished download whose local playlist lives at path.
func Done(path string) Status { return Status{Kind: StatusDone, Path: path} }
