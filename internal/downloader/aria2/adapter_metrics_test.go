package aria2dl

import (
	"context"
	"net/http"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/podfetch/internal/metrics"
)

// Failed calls must be counted per method.
func TestRPCErrorsCounted(t *testing.T) {
	before := testutil.ToFloat64(metrics.Aria2RPCErrors.WithLabelValues("aria2.unpause"))
	a := newTestAdapter(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, syscall.ECONNRESET
	}))
	if err := a.Unpause(context.Background(), "g1"); err == nil {
		t.Fatalf("expected error")
	}
	after := testutil.ToFloat64(metrics.Aria2RPCErrors.WithLabelValues("aria2.unpause"))
	if after-before != 1 {
		t.Fatalf("aria2_rpc_errors_total delta = %v, want 1", after-before)
	}
}
