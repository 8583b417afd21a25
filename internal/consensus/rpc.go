package consensus

// RequestVoteArgs is the net/rpc argument for the RequestVote call,
// generalizing the Raft RequestVote RPC shape.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  NodeID
	LastLogIndex uint64
	LastLogTerm  uint64
}

type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the net/rpc argument for the AppendEntries call,
// doubling as the heartbeat when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     NodeID
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
}

// ProposeArgs forwards a proposal hop from Node.Propose to the node its
// caller's NotLeader hint pointed at; if that node also isn't the leader it
// replies NotLeader with its own LeaderHint, which Propose follows in
// turn, per spec.md §4.9's NOT_LEADER contract.
type ProposeArgs struct {
	Request Request
}

type ProposeReply struct {
	Response   Response
	NotLeader  bool
	LeaderHint NodeID
}

// RPCService is the net/rpc-registered receiver exposing Node's consensus
// surface over the wire, the Go-native analogue of original_source's
// NetworkFactory (original_source/crates/raft/src/network.rs).
type RPCService struct {
	node *Node
}

func NewRPCService(n *Node) *RPCService { return &RPCService{node: n} }

func (s *RPCService) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	*reply = s.node.handleRequestVote(args)
	return nil
}

func (s *RPCService) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	*reply = s.node.handleAppendEntries(args)
	return nil
}

func (s *RPCService) Propose(args *ProposeArgs, reply *ProposeReply) error {
	resp, notLeader, hint, err := s.node.proposeLocal(args.Request)
	if err != nil && !notLeader {
		return err
	}
	reply.Response = resp
	reply.NotLeader = notLeader
	reply.LeaderHint = hint
	return nil
}
