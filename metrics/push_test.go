package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPush(t *testing.T) {
	paths := make(chan string, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case paths <- r.URL.Path:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	NewCounter("pushed", "test", "test counter", []string{}).WithLabelValues().Inc()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Push(ctx, zaptest.NewLogger(t), srv.URL, "node1", 10*time.Millisecond)
		close(done)
	}()
	select {
	case path := <-paths:
		require.Equal(t, "/metrics/job/"+Namespace+"/node/node1", path)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "no metrics pushed")
	}
	cancel()
	<-done
}
