package consensus

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/rpc"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/metrics"
)

// State is one node's role in the cluster.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "follower"
	}
}

// Config configures one Node, per spec.md §4.9 and §5's timeout table.
type Config struct {
	ID        NodeID
	Peers     map[NodeID]string // excludes self
	Voting    bool              // false marks a non-voting observer (an exit node)
	TLSConfig *tls.Config

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	ProposalTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.ProposalTimeout == 0 {
		c.ProposalTimeout = 5 * time.Second
	}
}

// Node is one participant in the replicated log, generalizing
// original_source's RaftNode (original_source/crates/raft/src/node.rs)
// into a hand-rolled election/replication/apply loop rather than a wrapper
// around a consensus library, per DESIGN.md.
type Node struct {
	cfg Config
	sm  *StateMachine

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    NodeID
	leaderID    NodeID

	peers  map[NodeID]string
	voters map[NodeID]bool

	raftLog *raftLog

	commitIndex uint64
	lastApplied uint64
	commitCond  *sync.Cond

	nextIndex  map[NodeID]uint64
	matchIndex map[NodeID]uint64

	waiters map[uint64]chan Response

	pool *clientPool

	electionDeadline time.Time

	ctx    context.Context
	cancel context.CancelFunc

	logger *log.Entry
}

// NewNode constructs a Node as a follower and starts its background
// election and apply loops. Callers must separately start Serve on a
// listener to accept peer RPCs.
func NewNode(cfg Config, sm *StateMachine) *Node {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	voters := map[NodeID]bool{cfg.ID: cfg.Voting}
	peers := make(map[NodeID]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[id] = addr
		voters[id] = true // peers are assumed voting cluster members unless later changed via Membership
	}

	n := &Node{
		cfg:     cfg,
		sm:      sm,
		peers:   peers,
		voters:  voters,
		raftLog: newLog(),
		waiters: make(map[uint64]chan Response),
		pool:    newClientPool(cfg.TLSConfig),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.WithField("component", "consensus").WithField("node", cfg.ID),
	}
	n.commitCond = sync.NewCond(&n.mu)
	n.resetElectionDeadlineLocked()

	go n.electionLoop()
	go n.applyLoop()
	go func() {
		<-ctx.Done()
		n.mu.Lock()
		n.commitCond.Broadcast()
		n.mu.Unlock()
	}()
	return n
}

// Close stops the node's background loops and releases its RPC clients.
func (n *Node) Close() {
	n.cancel()
	n.pool.closeAll()
}

// State reports the node's current role and term, for /stats reporting.
func (n *Node) State() (State, uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.currentTerm
}

func (n *Node) resetElectionDeadlineLocked() {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(rand.Int63n(int64(span)))
	}
	n.electionDeadline = time.Now().Add(n.cfg.ElectionTimeoutMin + jitter)
}

// electionLoop drives the follower/candidate side of the state machine:
// if no AppendEntries or granted vote refreshes the deadline before it
// elapses, a new election starts.
func (n *Node) electionLoop() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if !n.cfg.Voting {
				continue // non-voting observers never run for election
			}
			n.mu.Lock()
			expired := n.state != Leader && time.Now().After(n.electionDeadline)
			if expired {
				n.startElectionLocked()
			}
			n.mu.Unlock()
		}
	}
}

// startElectionLocked transitions to Candidate, votes for itself, and
// fans out RequestVote RPCs. Callers must hold n.mu; it is released and
// reacquired around network calls internally via goroutines.
func (n *Node) startElectionLocked() {
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.cfg.ID
	n.resetElectionDeadlineLocked()
	term := n.currentTerm
	lastIndex, lastTerm := n.raftLog.lastIndexLocked(), n.raftLog.lastTermLocked()
	peers := make(map[NodeID]string, len(n.peers))
	for id, addr := range n.peers {
		peers[id] = addr
	}
	votingCount := 0
	for id := range n.voters {
		if n.voters[id] {
			votingCount++
		}
	}
	n.logger.WithField("term", term).Info("starting election")

	go n.runElection(term, lastIndex, lastTerm, peers, votingCount)
}

func (n *Node) runElection(term, lastIndex, lastTerm uint64, peers map[NodeID]string, votingCount int) {
	votes := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup

	for id, addr := range peers {
		n.mu.Lock()
		isVoter := n.voters[id]
		n.mu.Unlock()
		if !isVoter {
			continue
		}
		wg.Add(1)
		go func(id NodeID, addr string) {
			defer wg.Done()
			client, err := n.pool.get(id, addr)
			if err != nil {
				return
			}
			args := &RequestVoteArgs{Term: term, CandidateID: n.cfg.ID, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
			var reply RequestVoteReply
			if err := client.Call("Consensus.RequestVote", args, &reply); err != nil {
				n.pool.drop(id)
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term)
			}
			n.mu.Unlock()
			if reply.VoteGranted {
				mu.Lock()
				votes++
				mu.Unlock()
			}
		}(id, addr)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Candidate || n.currentTerm != term {
		return
	}
	if votes*2 > votingCount {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeFollowerLocked(term uint64) {
	n.state = Follower
	n.currentTerm = term
	n.votedFor = 0
	n.resetElectionDeadlineLocked()
}

func (n *Node) becomeLeaderLocked() {
	n.state = Leader
	n.leaderID = n.cfg.ID
	n.nextIndex = make(map[NodeID]uint64)
	n.matchIndex = make(map[NodeID]uint64)
	last := n.raftLog.lastIndexLocked()
	for id := range n.peers {
		n.nextIndex[id] = last + 1
		n.matchIndex[id] = 0
	}
	term := n.currentTerm
	n.logger.WithField("term", term).Info("became leader")
	metrics.ConsensusTerm.Set(float64(term))

	// A Noop entry establishes a commit point in the new leader's own
	// term, per the standard Raft safety argument: a leader may only
	// advance commitIndex over entries from its current term.
	n.raftLog.append(term, nil, nil)

	go n.leaderLoop(term)
}

// leaderLoop periodically replicates to every peer until this node steps
// down or a newer term supersedes it.
func (n *Node) leaderLoop(term uint64) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.state == Leader && n.currentTerm == term
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicateToAll(term)
		}
	}
}

func (n *Node) replicateToAll(term uint64) {
	n.mu.Lock()
	peers := make(map[NodeID]string, len(n.peers))
	for id, addr := range n.peers {
		peers[id] = addr
	}
	n.mu.Unlock()

	var wg sync.WaitGroup
	for id, addr := range peers {
		wg.Add(1)
		go func(id NodeID, addr string) {
			defer wg.Done()
			n.replicateTo(term, id, addr)
		}(id, addr)
	}
	wg.Wait()
	n.advanceCommitIndex(term)
}

func (n *Node) replicateTo(term uint64, id NodeID, addr string) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[id]
	prevIndex := next - 1
	prevTerm := n.raftLog.termAt(prevIndex)
	entries := n.raftLog.sliceFrom(next)
	commit := n.commitIndex
	n.mu.Unlock()

	client, err := n.pool.get(id, addr)
	if err != nil {
		return
	}
	args := &AppendEntriesArgs{
		Term: term, LeaderID: n.cfg.ID,
		PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: commit,
	}
	var reply AppendEntriesReply
	if err := client.Call("Consensus.AppendEntries", args, &reply); err != nil {
		n.pool.drop(id)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}
	if reply.Success {
		n.matchIndex[id] = prevIndex + uint64(len(entries))
		n.nextIndex[id] = n.matchIndex[id] + 1
	} else if n.nextIndex[id] > 1 {
		if reply.ConflictIndex > 0 && reply.ConflictIndex < n.nextIndex[id] {
			n.nextIndex[id] = reply.ConflictIndex
		} else {
			n.nextIndex[id]--
		}
	}
}

// advanceCommitIndex applies the Raft commit rule restricted to voting
// members: commitIndex may advance to N if a majority of voters have
// matchIndex >= N and log[N].Term == currentTerm.
func (n *Node) advanceCommitIndex(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader || n.currentTerm != term {
		return
	}

	last := n.raftLog.lastIndexLocked()
	for idx := last; idx > n.commitIndex; idx-- {
		if n.raftLog.termAt(idx) != term {
			continue
		}
		count := 0
		total := 0
		for id, isVoter := range n.voters {
			if !isVoter {
				continue
			}
			total++
			if id == n.cfg.ID || n.matchIndex[id] >= idx {
				count++
			}
		}
		if count*2 > total {
			n.commitIndex = idx
			n.commitCond.Broadcast()
			break
		}
	}
}

// handleRequestVote implements the Raft voting rule.
func (n *Node) handleRequestVote(args *RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	lastIndex, lastTerm := n.raftLog.lastIndexLocked(), n.raftLog.lastTermLocked()
	logOK := args.LastLogTerm > lastTerm || (args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (n.votedFor == 0 || n.votedFor == args.CandidateID) && logOK {
		n.votedFor = args.CandidateID
		n.resetElectionDeadlineLocked()
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
}

// handleAppendEntries implements replication and heartbeat handling on a
// follower.
func (n *Node) handleAppendEntries(args *AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}

	n.state = Follower
	n.leaderID = args.LeaderID
	n.resetElectionDeadlineLocked()

	if args.PrevLogIndex > 0 {
		if got := n.raftLog.termAt(args.PrevLogIndex); got != args.PrevLogTerm {
			conflict := args.PrevLogIndex
			for conflict > 1 && n.raftLog.termAt(conflict-1) == n.raftLog.termAt(conflict) {
				conflict--
			}
			return AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: conflict}
		}
	}

	if len(args.Entries) > 0 {
		n.raftLog.appendFollower(args.PrevLogIndex+1, args.Entries)
	}

	if args.LeaderCommit > n.commitIndex {
		last := n.raftLog.lastIndexLocked()
		if args.LeaderCommit < last {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = last
		}
		n.commitCond.Broadcast()
	}

	return AppendEntriesReply{Term: n.currentTerm, Success: true}
}

// maxProposeHops bounds how many times Propose will chase a leader hint to
// another node over RPC before giving up and surfacing NotLeader to the
// caller, per spec.md §4.9/§5's NOT_LEADER contract: "a proposal submitted
// to a deposed leader returns NotLeader; resubmission to the new leader
// succeeds" — the fabric layer is meant to see that resubmission happen
// transparently, up to three times, rather than implement the retry
// itself.
const maxProposeHops = 3

// Propose submits req to the log, blocking until it commits and applies or
// ctx/the proposal timeout elapses. If this node isn't the leader, it
// follows the NotLeader hint over RPC to the node that should be, and
// keeps following hints (in case that node has itself just lost
// leadership) up to maxProposeHops times before giving up; a hop with no
// known leader first waits one election timeout for one. So a proposal
// submitted during a leader transition is retried transparently instead of
// silently dropped.
func (n *Node) Propose(ctx context.Context, req Request) (Response, error) {
	resp, notLeader, hint, err := n.proposeLocal(req)
	if err != nil {
		return Response{}, err
	}
	if !notLeader {
		return resp, nil
	}

	for hop := 0; hop < maxProposeHops; hop++ {
		if hint == 0 {
			// No leader known yet: wait one election timeout for a heartbeat to name one.
			select {
			case <-ctx.Done():
				return Response{}, errs.New(errs.Cancelled, "consensus.Node.Propose", ctx.Err())
			case <-time.After(n.cfg.ElectionTimeoutMax):
			}
			n.mu.Lock()
			hint = n.leaderID
			n.mu.Unlock()
			if hint == 0 {
				break
			}
		}
		n.mu.Lock()
		addr, ok := n.peers[hint]
		n.mu.Unlock()
		if !ok {
			break
		}

		reply, callErr := n.callPropose(ctx, hint, addr, req)
		if callErr != nil {
			n.logger.WithError(callErr).WithField("leader_hint", hint).Warn("consensus: propose forward failed")
			break
		}
		if !reply.NotLeader {
			return reply.Response, nil
		}
		hint = reply.LeaderHint
	}
	return Response{}, errs.New(errs.NotLeader, "consensus.Node.Propose", &NotLeaderError{Leader: hint})
}

// callPropose forwards req to peer id over net/rpc, honoring ctx
// cancellation while the call is outstanding.
func (n *Node) callPropose(ctx context.Context, id NodeID, addr string, req Request) (*ProposeReply, error) {
	client, err := n.pool.get(id, addr)
	if err != nil {
		return nil, err
	}
	reply := &ProposeReply{}
	call := client.Go("Consensus.Propose", &ProposeArgs{Request: req}, reply, make(chan *rpc.Call, 1))
	select {
	case done := <-call.Done:
		if done.Error != nil {
			n.pool.drop(id)
			return nil, errs.New(errs.Unavailable, "consensus.Node.callPropose", done.Error)
		}
		return reply, nil
	case <-ctx.Done():
		n.pool.drop(id)
		return nil, errs.New(errs.Cancelled, "consensus.Node.callPropose", ctx.Err())
	}
}

// proposeLocal is shared by Propose and the RPCService.Propose handler: it
// appends the entry and waits for the apply loop to report its Response.
func (n *Node) proposeLocal(req Request) (Response, bool, NodeID, error) {
	n.mu.Lock()
	if n.state != Leader {
		hint := n.leaderID
		n.mu.Unlock()
		return Response{}, true, hint, nil
	}
	term := n.currentTerm
	idx := n.raftLog.append(term, &req, nil)
	waitCh := make(chan Response, 1)
	n.waiters[idx] = waitCh
	timeout := n.cfg.ProposalTimeout
	n.mu.Unlock()

	go n.replicateToAll(term)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waitCh:
		return resp, false, 0, nil
	case <-timer.C:
		n.mu.Lock()
		delete(n.waiters, idx)
		n.mu.Unlock()
		return Response{}, false, 0, errs.New(errs.Timeout, "consensus.Node.proposeLocal", errProposalTimeout)
	case <-n.ctx.Done():
		return Response{}, false, 0, errs.New(errs.Cancelled, "consensus.Node.proposeLocal", n.ctx.Err())
	}
}

// applyLoop applies committed entries in log order into the state
// machine, delivering each Response to a waiting Propose call if one is
// registered for that index, per spec.md §4.9: "apply is deterministic"
// and applied "in log order on every replica."
func (n *Node) applyLoop() {
	for {
		n.mu.Lock()
		for n.lastApplied >= n.commitIndex {
			if n.ctx.Err() != nil {
				n.mu.Unlock()
				return
			}
			n.commitCond.Wait()
		}
		if n.ctx.Err() != nil {
			n.mu.Unlock()
			return
		}
		idx := n.lastApplied + 1
		entry := n.raftLog.at(idx)
		n.mu.Unlock()

		var resp Response
		switch {
		case entry.Membership != nil:
			n.applyMembership(entry.Membership)
			resp = Response{Affected: 1}
		case entry.Request != nil:
			resp = n.sm.Apply(entry.Request)
		default:
			resp = Response{} // Noop
		}

		n.mu.Lock()
		n.lastApplied = idx
		ch := n.waiters[idx]
		delete(n.waiters, idx)
		n.mu.Unlock()

		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

func (n *Node) applyMembership(m *Membership) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, addr := range m.Peers {
		if id == n.cfg.ID {
			continue
		}
		n.peers[id] = addr
	}
	for id, voting := range m.Voters {
		n.voters[id] = voting
	}
	if n.state == Leader {
		last := n.raftLog.lastIndexLocked()
		for id := range m.Peers {
			if id == n.cfg.ID {
				continue
			}
			if _, ok := n.nextIndex[id]; !ok {
				n.nextIndex[id] = last + 1
				n.matchIndex[id] = 0
			}
		}
	}
}

// ProposeMembership appends a membership-change entry through the same
// channel as ordinary requests, per spec.md §4.9.
func (n *Node) ProposeMembership(ctx context.Context, m Membership) error {
	n.mu.Lock()
	if n.state != Leader {
		hint := n.leaderID
		n.mu.Unlock()
		return errs.New(errs.NotLeader, "consensus.Node.ProposeMembership", &NotLeaderError{Leader: hint})
	}
	term := n.currentTerm
	idx := n.raftLog.append(term, nil, &m)
	waitCh := make(chan Response, 1)
	n.waiters[idx] = waitCh
	timeout := n.cfg.ProposalTimeout
	n.mu.Unlock()

	go n.replicateToAll(term)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitCh:
		return nil
	case <-timer.C:
		n.mu.Lock()
		delete(n.waiters, idx)
		n.mu.Unlock()
		return errs.New(errs.Timeout, "consensus.Node.ProposeMembership", errProposalTimeout)
	case <-ctx.Done():
		return errs.New(errs.Cancelled, "consensus.Node.ProposeMembership", ctx.Err())
	}
}

// Leader reports the node's current beliefs about cluster leadership.
func (n *Node) Leader() (NodeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID, n.state == Leader
}
