package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnknownPeerIsOptimisticallyAlive(t *testing.T) {
	h := NewPeerHealth(10*time.Millisecond, 30*time.Millisecond)
	assert.True(t, h.IsAlive("ghost:8080"), "never-seen peer should be treated as alive")
}

func TestRecordSuccessMarksAlive(t *testing.T) {
	h := NewPeerHealth(10*time.Millisecond, 30*time.Millisecond)
	h.RecordFailure("peer:8080")
	h.RecordSuccess("peer:8080")
	assert.True(t, h.IsAlive("peer:8080"))
}

func TestFailurePastDeadWindowEscalatesToDead(t *testing.T) {
	h := NewPeerHealth(5*time.Millisecond, 15*time.Millisecond)
	h.RecordSuccess("peer:8080")

	time.Sleep(20 * time.Millisecond)
	h.RecordFailure("peer:8080")

	assert.False(t, h.IsAlive("peer:8080"), "peer unanswered past deadTimeout should be dead")
	assert.Equal(t, []string{"peer:8080"}, h.DeadPeers())
}

func TestFailureBeforeSuspectWindowStaysAlive(t *testing.T) {
	h := NewPeerHealth(50*time.Millisecond, 200*time.Millisecond)
	h.RecordSuccess("peer:8080")
	h.RecordFailure("peer:8080")

	assert.True(t, h.IsAlive("peer:8080"), "a single immediate failure should not escalate past suspect")
	assert.Empty(t, h.DeadPeers())
}
