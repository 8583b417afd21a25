package consensus

import (
	"errors"
	"fmt"
)

var (
	errProposalTimeout = errors.New("proposal timed out waiting for commit")
	errUnknownRequest  = errors.New("unknown request kind")
)

// NotLeaderError carries the proposer's best guess at the current leader.
// Node.Propose already follows this hint over RPC on the caller's behalf
// (up to maxProposeHops times) before giving up, per spec.md §4.9's
// NOT_LEADER contract; from Propose this error only reaches a caller once
// every hop in the chain has also failed to find a live leader, while
// ProposeMembership returns it directly without forwarding. It is wrapped in
// an *errs.Error with Kind errs.NotLeader; callers recover it with
// errors.As.
type NotLeaderError struct {
	Leader NodeID
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not leader, current leader hint is node %d", e.Leader)
}
