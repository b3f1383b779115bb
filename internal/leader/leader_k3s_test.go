package leader_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/leader"
)

// sweepers records which replica runs the singleton work.
type sweepers struct {
	mu      sync.Mutex
	running map[string]bool
	overlap bool
}

func (s *sweepers) work(id string) func(ctx context.Context) {
	return func(ctx context.Context) {
		s.mu.Lock()
		if len(s.running) > 0 {
			s.overlap = true
		}
		s.running[id] = true
		s.mu.Unlock()

		<-ctx.Done()

		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}
}

func (s *sweepers) holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.running {
		return id
	}
	return ""
}

func waitForHolder(t *testing.T, s *sweepers, not string) string {
	t.Helper()
	deadline := time.After(45 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if id := s.holder(); id != "" && id != not {
			return id
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a sweeper to lead")
		case <-ticker.C:
		}
	}
}

// TestRun_K3sFailover runs two replicas against a real Lease and checks that
// the sweeper moves to the standby when the leader stops. Skipped in short
// mode.
func TestRun_K3sFailover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}
	kubeConfig, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}

	orig := leader.ClientFactory
	leader.ClientFactory = func() (kubernetes.Interface, error) { return clientset, nil }
	t.Cleanup(func() { leader.ClientFactory = orig })

	replica := func(id string) config.LeaderElectionConfig {
		return config.LeaderElectionConfig{
			Enabled:        true,
			LeaseName:      "treelotd-finalizer",
			LeaseNamespace: "default",
			LeaseDuration:  5 * time.Second,
			RenewDeadline:  3 * time.Second,
			RetryPeriod:    500 * time.Millisecond,
			Identity:       id,
		}
	}

	s := &sweepers{running: map[string]bool{}}
	cancels := map[string]context.CancelFunc{}
	done := map[string]chan error{}
	for _, id := range []string{"replica-a", "replica-b"} {
		rctx, rcancel := context.WithCancel(ctx)
		cancels[id] = rcancel
		ch := make(chan error, 1)
		done[id] = ch
		go func() {
			ch <- leader.Run(rctx, replica(id), slog.Default(), s.work(id))
		}()
	}

	first := waitForHolder(t, s, "")
	t.Logf("%s leads", first)
	cancels[first]()
	select {
	case err := <-done[first]:
		if err != nil {
			t.Fatalf("leader.Run(%s) error = %v", first, err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("leader.Run(%s) did not return after cancel", first)
	}

	second := waitForHolder(t, s, first)
	t.Logf("%s took over", second)

	for id, c := range cancels {
		c()
		if id == first {
			continue
		}
		select {
		case err := <-done[id]:
			if err != nil {
				t.Fatalf("leader.Run(%s) error = %v", id, err)
			}
		case <-time.After(15 * time.Second):
			t.Fatalf("leader.Run(%s) did not return after cancel", id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlap {
		t.Error("two replicas ran the sweeper at the same time")
	}
}
