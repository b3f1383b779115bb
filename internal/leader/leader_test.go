package leader

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"k8s.io/client-go/kubernetes"

	"github.com/agrimarket/treelot/internal/config"
)

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "treelotd-7c9f-abc12")
	if got := identity(""); got != "treelotd-7c9f-abc12" {
		t.Errorf("identity() = %q, want %q", got, "treelotd-7c9f-abc12")
	}
}

func TestIdentity_Override(t *testing.T) {
	t.Setenv("POD_NAME", "treelotd-7c9f-abc12")
	if got := identity("sweeper-a"); got != "sweeper-a" {
		t.Errorf("identity() = %q, want %q", got, "sweeper-a")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := identity(""); got != host {
		t.Errorf("identity() = %q, want %q", got, host)
	}
}

func TestRun_Disabled(t *testing.T) {
	orig := ClientFactory
	ClientFactory = func() (kubernetes.Interface, error) {
		t.Fatal("disabled election must not build a client")
		return nil, nil
	}
	t.Cleanup(func() { ClientFactory = orig })

	ran := false
	err := Run(context.Background(), config.LeaderElectionConfig{}, slog.Default(), func(context.Context) { ran = true })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !ran {
		t.Error("work did not run")
	}
}
