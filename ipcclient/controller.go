package ipcclient

// Controller is threaded through a call's completion the way an RpcController
// is threaded through a service handler on the server side (see
// ipcserver.Controller): it carries the call's final failed/reason state.
// Cancel/IsCanceled are present for interface symmetry with the server side
// but neither side implements cancellation (spec §5, "Cancellation").
type Controller struct {
	failed bool
	reason string
}

// SetFailed marks the call as failed with reason. Called internally when a
// call cannot be sent, times out, or the server replies with an Error
// envelope; reason then reaches the completion via Reason().
func (c *Controller) SetFailed(reason string) {
	c.failed = true
	c.reason = reason
}

// Failed reports whether the call ended in failure.
func (c *Controller) Failed() bool { return c.failed }

// Reason returns the failure reason, or "" if the call succeeded.
func (c *Controller) Reason() string { return c.reason }

// Cancel is a no-op; neither endpoint implements call cancellation.
func (c *Controller) Cancel() {}

// IsCanceled always reports false.
func (c *Controller) IsCanceled() bool { return false }
