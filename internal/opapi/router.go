// Package opapi implements the operator HTTP surface: membership change,
// node registration, user create/delete and the Prometheus `/stats`
// endpoint, directly generalizing the teacher's
// internal/server/usermanager.APIRouterOf / localAPIRouter pattern (a
// gorilla/mux router mounted on a separate listener, CORS-permissive,
// one handler method per mutation) from user CRUD alone to the whole
// operator control plane spec.md §6 names.
package opapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	gmux "github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilmux/core/internal/auth"
	"github.com/veilmux/core/internal/consensus"
	"github.com/veilmux/core/internal/keystore"
	"github.com/veilmux/core/internal/metrics"
)

// Router is the operator-facing API, mounted on its own listener distinct
// from the tunnel-facing transport per spec.md §6.
type Router struct {
	*gmux.Router

	keys     *keystore.Store
	node     *consensus.Node
	operator *auth.OperatorSource
	engine   *auth.Engine
}

func New(keys *keystore.Store, node *consensus.Node, operator *auth.OperatorSource, engine *auth.Engine) *Router {
	ar := &Router{keys: keys, node: node, operator: operator, engine: engine}
	ar.registerMux()
	return ar
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *Router) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/users/{UID}", ar.createUserHlr).Methods("POST")
	ar.HandleFunc("/admin/users/{UID}", ar.deleteUserHlr).Methods("DELETE")
	ar.HandleFunc("/admin/nodes/{id}", ar.registerNodeHlr).Methods("POST")
	ar.HandleFunc("/admin/membership", ar.membershipHlr).Methods("POST")
	ar.HandleFunc("/admin/exit-catalogue/{nodeID}", ar.putExitCatalogueHlr).Methods("POST")
	ar.HandleFunc("/admin/exit-catalogue/{nodeID}", ar.removeExitCatalogueHlr).Methods("DELETE")
	ar.HandleFunc("/admin/emergency", ar.emergencyHlr).Methods("POST")
	ar.HandleFunc("/admin/emergency", ar.emergencyClearHlr).Methods("DELETE")
	ar.Handle("/stats", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

type userSecretRequest struct {
	Secret string `json:"secret"` // base64
}

func (ar *Router) createUserHlr(w http.ResponseWriter, r *http.Request) {
	b64UID := gmux.Vars(r)["UID"]
	uid, err := base64.URLEncoding.DecodeString(b64UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req userSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	secret, err := base64.StdEncoding.DecodeString(req.Secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ar.keys.SaveUserSecret(uid, secret); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (ar *Router) deleteUserHlr(w http.ResponseWriter, r *http.Request) {
	b64UID := gmux.Vars(r)["UID"]
	uid, err := base64.URLEncoding.DecodeString(b64UID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := ar.keys.DeleteUser(uid); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type registerNodeRequest struct {
	Address string `json:"address"`
	Voting  bool   `json:"voting"`
}

// registerNodeHlr bootstraps a local peer-table entry; it does not itself
// replicate, matching consensus.Node.AddPeer's scope (see its doc
// comment). A durable membership change still requires a POST to
// /admin/membership so every node's log records it.
func (ar *Router) registerNodeHlr(w http.ResponseWriter, r *http.Request) {
	idStr := gmux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ar.node.AddPeer(consensus.NodeID(id), req.Address, req.Voting)
	w.WriteHeader(http.StatusCreated)
}

type membershipRequest struct {
	Peers  map[string]string `json:"peers"`
	Voters map[string]bool   `json:"voters"`
}

func (ar *Router) membershipHlr(w http.ResponseWriter, r *http.Request) {
	var req membershipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m := consensus.Membership{
		Peers:  make(map[consensus.NodeID]string, len(req.Peers)),
		Voters: make(map[consensus.NodeID]bool, len(req.Voters)),
	}
	for idStr, addr := range req.Peers {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid node id in peers", http.StatusBadRequest)
			return
		}
		m.Peers[consensus.NodeID(id)] = addr
	}
	for idStr, voting := range req.Voters {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid node id in voters", http.StatusBadRequest)
			return
		}
		m.Voters[consensus.NodeID(id)] = voting
	}

	if err := ar.node.ProposeMembership(r.Context(), m); err != nil {
		writeConsensusError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type exitCatalogueRequest struct {
	Group   int32  `json:"group"`
	Address string `json:"address"`
	Weight  int    `json:"weight"`
}

// putExitCatalogueHlr is the only way an EXIT_CATALOGUE entry reaches the
// replicated log: it proposes a consensus.CatalogueDelta through
// node.Propose so every handler's dispatch.Catalogue converges on the same
// set of exits, per spec.md §4.10. registerNodeHlr/AddPeer only seeds the
// local consensus peer table and never touches the catalogue.
func (ar *Router) putExitCatalogueHlr(w http.ResponseWriter, r *http.Request) {
	nodeID := gmux.Vars(r)["nodeID"]
	var req exitCatalogueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	delta := &consensus.CatalogueDelta{NodeID: nodeID, Group: req.Group, Address: req.Address, Weight: req.Weight}
	if _, err := ar.node.Propose(r.Context(), consensus.Request{Kind: consensus.OpExitCatalogue, Catalogue: delta}); err != nil {
		writeConsensusError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ar *Router) removeExitCatalogueHlr(w http.ResponseWriter, r *http.Request) {
	nodeID := gmux.Vars(r)["nodeID"]
	delta := &consensus.CatalogueDelta{NodeID: nodeID, Remove: true}
	if _, err := ar.node.Propose(r.Context(), consensus.Request{Kind: consensus.OpExitCatalogue, Catalogue: delta}); err != nil {
		writeConsensusError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type emergencyRequest struct {
	Level uint8 `json:"level"`
}

// emergencyHlr implements spec.md §4.6's human-operator trigger: it both
// arms the soft, watcher-polled EmergencyWarning surfaced to new AUTH
// responses, and immediately calls the hard COMPROMISE path (drop every
// session, clear the token store, force the long-term key).
func (ar *Router) emergencyHlr(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ar.operator.Trigger(req.Level)
	if err := ar.engine.ForceRotate(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ar *Router) emergencyClearHlr(w http.ResponseWriter, r *http.Request) {
	ar.operator.Clear()
	w.WriteHeader(http.StatusOK)
}
