package opapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/veilmux/core/internal/consensus"
	"github.com/veilmux/core/internal/errs"
)

// writeConsensusError reports a failed proposal, surfacing the leader
// hint header so an operator script can retry against the right node
// rather than guessing, using the same NotLeaderError hint that
// consensus.Node.Propose follows internally when it forwards a proposal.
func writeConsensusError(w http.ResponseWriter, err error) {
	if errs.KindOf(err) == errs.NotLeader {
		var nl *consensus.NotLeaderError
		if errors.As(err, &nl) {
			w.Header().Set("X-Leader-Hint", strconv.FormatUint(uint64(nl.Leader), 10))
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
