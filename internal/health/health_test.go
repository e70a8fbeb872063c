package health

import (
	"context"
	"testing"
	"time"
)

func TestCheckAllEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestCheckAllAggregates(t *testing.T) {
	r := NewRegistry()
	r.Register("rpc", func(ctx context.Context) Status {
		return Status{Name: "rpc", Healthy: true}
	})
	r.Register("database", func(ctx context.Context) Status {
		return Status{Name: "database", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("one failing checker should mark the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("len = %d", len(statuses))
	}
	if statuses[0].Name != "rpc" || !statuses[0].Healthy {
		t.Errorf("statuses[0] = %+v", statuses[0])
	}
	if statuses[1].Healthy || statuses[1].Detail != "connection refused" {
		t.Errorf("statuses[1] = %+v", statuses[1])
	}
}

func TestCheckAllBoundsCheckerDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) Status {
		deadline, ok := ctx.Deadline()
		if !ok {
			return Status{Name: "slow", Healthy: false, Detail: "no deadline"}
		}
		if time.Until(deadline) > 6*time.Second {
			return Status{Name: "slow", Healthy: false, Detail: "deadline too generous"}
		}
		return Status{Name: "slow", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Errorf("checker reported: %s", statuses[0].Detail)
	}
}
