package mesh

import "errors"

var (
	ErrInvalidConfig   = errors.New("mesh: invalid config")
	ErrNotRunning      = errors.New("mesh: not running")
	ErrAlreadyStarted  = errors.New("mesh: already started")
	ErrUnknownPeer     = errors.New("mesh: unknown peer")
	ErrNotLeader       = errors.New("mesh: not the leader")
	ErrProposalDropped = errors.New("mesh: proposal overwritten before commit")
)
