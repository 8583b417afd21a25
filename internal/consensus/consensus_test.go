package consensus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilmux/core/internal/errs"
	"github.com/veilmux/core/internal/store"
)

type testCluster struct {
	nodes     []*Node
	engines   []*store.Engine
	listeners []net.Listener
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()

	listeners := make([]net.Listener, n)
	addrs := make(map[NodeID]string, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = ln
		addrs[NodeID(i+1)] = ln.Addr().String()
	}

	cluster := &testCluster{listeners: listeners}
	for i := 0; i < n; i++ {
		id := NodeID(i + 1)
		peers := make(map[NodeID]string, n-1)
		for otherID, addr := range addrs {
			if otherID != id {
				peers[otherID] = addr
			}
		}

		engine, err := store.Open(store.Config{})
		require.NoError(t, err)
		cluster.engines = append(cluster.engines, engine)

		node := NewNode(Config{
			ID:                 id,
			Peers:              peers,
			Voting:             true,
			ElectionTimeoutMin: 40 * time.Millisecond,
			ElectionTimeoutMax: 80 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
			ProposalTimeout:    2 * time.Second,
		}, &StateMachine{Engine: engine})
		cluster.nodes = append(cluster.nodes, node)

		go Serve(listeners[i], node)
	}
	return cluster
}

func (c *testCluster) close() {
	for _, n := range c.nodes {
		n.Close()
	}
	for _, l := range c.listeners {
		l.Close()
	}
	for _, e := range c.engines {
		e.Close()
	}
}

func (c *testCluster) awaitLeader(t *testing.T) *Node {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if state, _ := n.State(); state == Leader {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within deadline")
	return nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	defer cluster.close()

	leader := cluster.awaitLeader(t)
	require.NotNil(t, leader)

	time.Sleep(100 * time.Millisecond)
	leaderCount := 0
	for _, n := range cluster.nodes {
		if state, _ := n.State(); state == Leader {
			leaderCount++
		}
	}
	require.Equal(t, 1, leaderCount)
}

func TestProposeReplicatesAcrossCluster(t *testing.T) {
	cluster := newTestCluster(t, 3)
	defer cluster.close()

	leader := cluster.awaitLeader(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := leader.Propose(ctx, Request{
		Kind:   OpInsert,
		ConnID: 42,
		Record: store.ConnMeta{AssignedPod: 7},
	})
	require.NoError(t, err)
	require.Greater(t, resp.Affected, uint64(0))

	deadline := time.Now().Add(2 * time.Second)
	for _, engine := range cluster.engines {
		for {
			rec, err := engine.Get(42)
			if err == nil {
				require.Equal(t, uint64(42), rec.ConnID)
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("record never replicated to a follower: %v", err)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestProposeOnFollowerForwardsToLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	defer cluster.close()

	leader := cluster.awaitLeader(t)

	var follower *Node
	for _, n := range cluster.nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	// Proposing to a follower returns NotLeader internally (proposeLocal),
	// but Propose follows the hint over RPC to the real leader and the
	// resubmission succeeds, per spec.md §4.9/§5's NOT_LEADER contract.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := follower.Propose(ctx, Request{Kind: OpInsert, ConnID: 1})
	require.NoError(t, err)
}

func TestProposeGivesUpWhenNoLeaderReachable(t *testing.T) {
	cluster := newTestCluster(t, 1)
	defer cluster.close()

	lone := cluster.nodes[0]
	lone.mu.Lock()
	lone.becomeFollowerLocked(lone.currentTerm + 1)
	lone.leaderID = NodeID(99) // a hint pointing nowhere in lone.peers
	lone.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := lone.Propose(ctx, Request{Kind: OpInsert, ConnID: 1})
	require.Error(t, err)
	require.Equal(t, errs.NotLeader, errs.KindOf(err))
}

func TestDeleteRemovesRecordAfterCommit(t *testing.T) {
	cluster := newTestCluster(t, 3)
	defer cluster.close()

	leader := cluster.awaitLeader(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := leader.Propose(ctx, Request{Kind: OpInsert, ConnID: 9})
	require.NoError(t, err)
	_, err = leader.Propose(ctx, Request{Kind: OpDelete, ConnID: 9})
	require.NoError(t, err)

	leaderEngine := cluster.engines[leader.cfg.ID-1]
	_, err = leaderEngine.Get(9)
	require.Error(t, err)
}
