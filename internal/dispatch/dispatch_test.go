package dispatch

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilmux/core/internal/consensus"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	p := &Packet{ConnID: 99, Family: addrFamilyIPv4, Port: 443, Payload: []byte("hello")}
	copy(p.Addr[:4], net.ParseIP("93.184.216.34").To4())

	buf := EncodePacket(p)
	conn := newPipeReader(t, buf)
	got, err := ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, p.ConnID, got.ConnID)
	assert.Equal(t, p.Family, got.Family)
	assert.Equal(t, p.Addr, got.Addr)
	assert.Equal(t, p.Port, got.Port)
	assert.Equal(t, p.Payload, got.Payload)
}

func TestReadPacketRejectsBadMagic(t *testing.T) {
	buf := EncodePacket(&Packet{ConnID: 1})
	buf[0] ^= 0xFF
	conn := newPipeReader(t, buf)
	_, err := ReadPacket(conn)
	require.Error(t, err)
}

func TestEncodeDecodeTargetAddrIPv4(t *testing.T) {
	family, addr, port, err := EncodeTargetAddr("93.184.216.34:8080")
	require.NoError(t, err)
	assert.Equal(t, addrFamilyIPv4, family)
	assert.Equal(t, "93.184.216.34:8080", DecodeTargetAddr(family, addr, port))
}

func TestEncodeDecodeTargetAddrIPv6(t *testing.T) {
	family, addr, port, err := EncodeTargetAddr("[2001:db8::1]:53")
	require.NoError(t, err)
	assert.Equal(t, addrFamilyIPv6, family)
	assert.Equal(t, "[2001:db8::1]:53", DecodeTargetAddr(family, addr, port))
}

func TestCatalogueEntryHealthProgression(t *testing.T) {
	e := &CatalogueEntry{NodeID: "exit-1"}
	assert.Equal(t, Unhealthy, e.Health())

	e.recordSuccess()
	e.recordSuccess()
	assert.Equal(t, Unhealthy, e.Health(), "two successes should not yet mark healthy")
	e.recordSuccess()
	assert.Equal(t, Healthy, e.Health())

	e.recordFailure()
	assert.Equal(t, Degraded, e.Health())
	e.recordFailure()
	e.recordFailure()
	assert.Equal(t, Unhealthy, e.Health())

	e.recordSuccess()
	assert.Equal(t, Unhealthy, e.Health(), "one success should not undo unhealthy")
}

func TestCatalogueApplyAndRemove(t *testing.T) {
	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: "10.0.0.1:9000", Weight: 5})

	e, ok := cat.get("exit-1")
	require.True(t, ok)
	assert.Equal(t, int32(1), e.Group)
	assert.Equal(t, 5, e.Weight)

	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Remove: true})
	_, ok = cat.get("exit-1")
	assert.False(t, ok)
}

func TestDispatcherSelectFiltersUnhealthyAndWrongGroup(t *testing.T) {
	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "healthy-1", Group: 1, Address: "a", Weight: 10})
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "other-group", Group: 2, Address: "b", Weight: 10})
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "zero-weight", Group: 1, Address: "c", Weight: 0})

	healthy, _ := cat.get("healthy-1")
	healthy.recordSuccess()
	healthy.recordSuccess()
	healthy.recordSuccess()
	otherGroup, _ := cat.get("other-group")
	otherGroup.recordSuccess()
	otherGroup.recordSuccess()
	otherGroup.recordSuccess()

	d := NewDispatcher(cat, &net.Dialer{})
	for i := 0; i < 10; i++ {
		entry, err := d.Select(1, "")
		require.NoError(t, err)
		assert.Equal(t, "healthy-1", entry.NodeID)
	}
}

func TestDispatcherSelectNoHealthyExit(t *testing.T) {
	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: "a", Weight: 10})
	d := NewDispatcher(cat, &net.Dialer{})
	_, err := d.Select(1, "")
	require.Error(t, err)
}

func TestDispatcherSelectPinned(t *testing.T) {
	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: "a", Weight: 10})
	d := NewDispatcher(cat, &net.Dialer{})
	entry, err := d.Select(1, "exit-1")
	require.NoError(t, err)
	assert.Equal(t, "exit-1", entry.NodeID)
}

// fakeExit is a minimal stand-in for an exit process: it echoes every
// packet it receives back to the sender unchanged, which both exercises
// the framing round trip and satisfies the health prober's ping/pong.
type fakeExit struct {
	ln net.Listener
}

func newFakeExit(t *testing.T) *fakeExit {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fe := &fakeExit{ln: ln}
	go fe.serve()
	return fe
}

func (fe *fakeExit) serve() {
	for {
		conn, err := fe.ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				pkt, err := ReadPacket(c)
				if err != nil {
					return
				}
				if _, err := c.Write(EncodePacket(pkt)); err != nil {
					return
				}
			}
		}(conn)
	}
}

func (fe *fakeExit) addr() string { return fe.ln.Addr().String() }
func (fe *fakeExit) close()       { fe.ln.Close() }

func TestProberMarksExitHealthyAfterThreeProbes(t *testing.T) {
	exit := newFakeExit(t)
	defer exit.close()

	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: exit.addr(), Weight: 1})
	entry, _ := cat.get("exit-1")

	p := NewProber(cat, &net.Dialer{Timeout: time.Second})
	p.probeOne(entry)
	p.probeOne(entry)
	assert.Equal(t, Unhealthy, entry.Health())
	p.probeOne(entry)
	assert.Equal(t, Healthy, entry.Health())
}

func TestProberMarksExitUnhealthyWhenUnreachable(t *testing.T) {
	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: "127.0.0.1:1", Weight: 1})
	entry, _ := cat.get("exit-1")

	p := NewProber(cat, &net.Dialer{Timeout: 100 * time.Millisecond})
	p.probeOne(entry)
	p.probeOne(entry)
	p.probeOne(entry)
	assert.Equal(t, Unhealthy, entry.Health())
}

func TestDispatcherDispatchRoundTripsThroughFakeExit(t *testing.T) {
	exit := newFakeExit(t)
	defer exit.close()

	cat := NewCatalogue()
	cat.ApplyCatalogueDelta(consensus.CatalogueDelta{NodeID: "exit-1", Group: 1, Address: exit.addr(), Weight: 1})

	d := NewDispatcher(cat, &net.Dialer{Timeout: time.Second})
	defer d.Close()

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})
	onReturn := func(payload []byte) {
		mu.Lock()
		received = payload
		mu.Unlock()
		close(done)
	}

	entry, err := d.Dispatch(7, 1, "exit-1", "93.184.216.34:443", []byte("ping"), onReturn)
	require.NoError(t, err)
	require.Equal(t, "exit-1", entry.NodeID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit echo")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("ping"), received)
}

// newPipeReader writes buf into one end of an in-memory connection pair
// and returns the other end, so ReadPacket can be exercised against a
// real net.Conn without a listening socket.
func newPipeReader(t *testing.T, buf []byte) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		server.Write(buf)
		server.Close()
	}()
	t.Cleanup(func() { client.Close() })
	return client
}
