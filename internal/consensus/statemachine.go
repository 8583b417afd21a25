package consensus

import (
	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/store"
)

// CatalogueApplier lets the exit dispatcher (internal/dispatch) observe
// EXIT_CATALOGUE entries as they apply, without consensus importing
// dispatch.
type CatalogueApplier interface {
	ApplyCatalogueDelta(delta CatalogueDelta)
}

// StateMachine is the deterministic apply target for committed log entries,
// generalizing original_source's StateMachine (original_source/crates/
// raft/src/state_machine.rs) from an Arc<StorageEngine> wrapper into a
// direct *store.Engine adapter.
type StateMachine struct {
	Engine    *store.Engine
	Catalogue CatalogueApplier
}

// Apply deterministically applies one committed request, per spec.md
// §4.9: "apply is deterministic."
func (sm *StateMachine) Apply(req *Request) Response {
	if req == nil {
		return Response{}
	}
	switch req.Kind {
	case OpInsert, OpUpdate:
		txid, err := sm.Engine.Upsert(req.ConnID, req.Record)
		if err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Affected: txid}
	case OpDelete:
		if err := sm.Engine.Delete(req.ConnID); err != nil {
			return Response{Err: err.Error()}
		}
		return Response{Affected: 1}
	case OpExitCatalogue:
		if sm.Catalogue != nil && req.Catalogue != nil {
			sm.Catalogue.ApplyCatalogueDelta(*req.Catalogue)
		}
		return Response{Affected: 1}
	case OpNoop:
		return Response{}
	default:
		return Response{Err: errs.New(errs.Malformed, "consensus.StateMachine.Apply", errUnknownRequest).Error()}
	}
}
