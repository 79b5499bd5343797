// +build debug

// Gomega should not be a dependency in non-debug builds.

package rset

import (
	"errors"
	"log"

	"github.com/facebookgo/stackerr"
	. "github.com/onsi/gomega"
)

var _ = func() (_ struct{}) {
	RegisterFailHandler(gomegaFailHandler)
	return
}()

func gomegaFailHandler(message string, callerSkip ...int) {
	skip := 0
	if len(callerSkip) > 0 {
		skip = callerSkip[0] + 1
	}
	log.Fatal("FATAL: rset invariants broken: ", stackerr.WrapSkip(errors.New(message), skip))
}

// checkInvariants asserts I1 (no duplicate replicas, size bounded) and that
// the ack bitmap never claims more positions than the set has replicas.
// Callers must hold at least the read lock.
func (r *RSet) checkInvariants() {
	Expect(len(r.replicas)).To(BeNumerically("<=", MaxReplicas))
	seen := make(map[uint8]bool, len(r.replicas))
	for _, n := range r.replicas {
		Expect(seen[n]).To(BeFalse(), "duplicate replica in set")
		seen[n] = true
	}
	Expect(r.ackBitmap).To(BeNumerically("<", uint32(1)<<uint(len(r.replicas))+1))
}
