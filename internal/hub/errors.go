package hub

import "errors"

var (
	ErrHubAlreadyRunning     = errors.New("hub is already running")
	ErrHubNotRunning         = errors.New("hub is not running")
	ErrMessageChannelFull    = errors.New("message channel is full")
	ErrRegisterChannelFull   = errors.New("register channel is full")
	ErrUnregisterChannelFull = errors.New("unregister channel is full")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded: 120 events per minute")
	ErrProctorCannotAttach   = errors.New("only student devices can attach to a session")
	ErrNotAProctor           = errors.New("only proctors can issue session actions")
	ErrExamMismatch          = errors.New("exam id does not match the session's exam")
)
