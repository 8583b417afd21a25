package fabric

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve rate-limits and accounts bytes flowing through a tunnel in each
// direction, adapted directly from the teacher's qos.go Valve
// (internal/multiplex/qos.go) — same token-bucket shape, renamed from the
// teacher's client/server rx/tx convention to the fabric's ingress/egress
// one used throughout this package.
type Valve struct {
	ingressBucket atomic.Value // *ratelimit.Bucket
	egressBucket  atomic.Value // *ratelimit.Bucket

	ingress *int64
	egress  *int64
}

func NewValve(ingressRate, egressRate int64) *Valve {
	var in, out int64
	v := &Valve{ingress: &in, egress: &out}
	v.SetIngressRate(ingressRate)
	v.SetEgressRate(egressRate)
	return v
}

// Unlimited returns a Valve with no effective rate cap, used when a session
// carries no per-user bandwidth policy.
func Unlimited() *Valve { return NewValve(1<<62, 1<<62) }

func (v *Valve) SetIngressRate(rate int64) {
	v.ingressBucket.Store(ratelimit.NewBucketWithRate(float64(rate), rate))
}
func (v *Valve) SetEgressRate(rate int64) {
	v.egressBucket.Store(ratelimit.NewBucketWithRate(float64(rate), rate))
}
func (v *Valve) WaitIngress(n int) { v.ingressBucket.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) WaitEgress(n int)  { v.egressBucket.Load().(*ratelimit.Bucket).Wait(int64(n)) }
func (v *Valve) AddIngress(n int64) { atomic.AddInt64(v.ingress, n) }
func (v *Valve) AddEgress(n int64)  { atomic.AddInt64(v.egress, n) }
func (v *Valve) Ingress() int64     { return atomic.LoadInt64(v.ingress) }
func (v *Valve) Egress() int64      { return atomic.LoadInt64(v.egress) }
