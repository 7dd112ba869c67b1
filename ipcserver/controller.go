package ipcserver

// Controller is passed to a service handler for the lifetime of one
// dispatched call. A handler that cannot satisfy the request calls
// SetFailed before invoking its reply closure; the core then sends an
// Error envelope with the given reason instead of a Reply.
type Controller struct {
	ClientID uint64
	SerialID uint64

	// Pid/Uid/Gid are the calling client's SO_PEERCRED identity, captured
	// once at accept time and read-only here (spec §3's Client model).
	Pid int32
	Uid uint32
	Gid uint32

	failed bool
	reason string
}

// SetFailed marks the call as failed with reason.
func (c *Controller) SetFailed(reason string) {
	c.failed = true
	c.reason = reason
}

// Failed reports whether the handler called SetFailed.
func (c *Controller) Failed() bool { return c.failed }

// Reason returns the failure reason, or "" if the call has not been failed.
func (c *Controller) Reason() string { return c.reason }

// Cancel is a no-op; neither endpoint implements call cancellation.
func (c *Controller) Cancel() {}

// IsCanceled always reports false.
func (c *Controller) IsCanceled() bool { return false }
