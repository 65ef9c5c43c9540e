package slowpath

import (
	"testing"

	"github.com/eapache/queue"

	"github.com/momentics/trafgen/api"
	"github.com/momentics/trafgen/pool"
)

// newBareSender builds a Sender without opening a real socket, for
// exercising the retry-bookkeeping logic in isolation.
func newBareSender() *Sender {
	return &Sender{fd: -1, retries: queue.New()}
}

func TestRecordRetry_BoundsHistoryLength(t *testing.T) {
	s := newBareSender()
	for i := 0; i < recentRetriesCap+50; i++ {
		s.recordRetry()
	}
	hist := s.RetryHistory()
	if len(hist) != recentRetriesCap {
		t.Fatalf("RetryHistory length = %d, want %d", len(hist), recentRetriesCap)
	}
}

func TestRetryHistory_EmptyInitially(t *testing.T) {
	s := newBareSender()
	if len(s.RetryHistory()) != 0 {
		t.Fatalf("expected empty retry history for a fresh sender")
	}
}

func TestRetryHistory_OrderedOldestFirst(t *testing.T) {
	s := newBareSender()
	s.recordRetry()
	t1 := s.RetryHistory()[0]
	s.recordRetry()
	hist := s.RetryHistory()
	if len(hist) != 2 {
		t.Fatalf("want 2 entries, got %d", len(hist))
	}
	if hist[0] != t1 {
		t.Fatalf("oldest retry timestamp changed position after a second retry")
	}
	if hist[1].Before(hist[0]) {
		t.Fatalf("retry history is not ordered oldest-first")
	}
}

func TestSend_AfterCloseReturnsErrTransportClosed(t *testing.T) {
	s := newBareSender()
	s.closed = true
	if err := s.Send([]byte{1}); err != api.ErrTransportClosed {
		t.Fatalf("Send after close = %v, want ErrTransportClosed", err)
	}
}

func TestOpen_RequiresPrivilege(t *testing.T) {
	s, err := Open(1, 0)
	if err != nil {
		t.Skipf("skipping: raw AF_PACKET socket unavailable in this environment: %v", err)
	}
	defer s.Close()
}

func TestSendFromPool_CopiesThroughPooledBuffer(t *testing.T) {
	s, err := Open(1, 0)
	if err != nil {
		t.Skipf("skipping: raw AF_PACKET socket unavailable in this environment: %v", err)
	}
	defer s.Close()

	mgr := pool.NewBufferPoolManager()
	bp := mgr.GetPool(-1)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	if err := s.SendFromPool(bp, payload); err != nil {
		t.Skipf("skipping: send via loopback-less interface failed: %v", err)
	}
}
