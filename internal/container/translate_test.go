package container

import (
	"testing"

	ctr "github.com/docker/docker/api/types/container"

	"github.com/devcell/devcell/internal/domain"
)

func TestToUsage_CPUPercent(t *testing.T) {
	stats := ctr.StatsResponse{
		CPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 1_000_000_000},
			SystemUsage: 10_000_000_000,
			OnlineCPUs:  4,
		},
		PreCPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 900_000_000},
			SystemUsage: 9_000_000_000,
		},
	}

	usage := toUsage(stats)

	// (100e6 / 1e9) * 4 * 100 = 40%
	if usage.CPUPercent != 40.0 {
		t.Errorf("CPUPercent = %v; want 40.0", usage.CPUPercent)
	}
}

func TestToUsage_ZeroSystemDeltaReportsZero(t *testing.T) {
	stats := ctr.StatsResponse{
		CPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 1_000_000_000},
			SystemUsage: 5_000_000_000,
			OnlineCPUs:  4,
		},
		PreCPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 900_000_000},
			SystemUsage: 5_000_000_000, // no system progress
		},
	}

	if got := toUsage(stats).CPUPercent; got != 0 {
		t.Errorf("CPUPercent = %v; want 0 for zero system delta", got)
	}
}

func TestToUsage_NegativeSystemDeltaReportsZero(t *testing.T) {
	stats := ctr.StatsResponse{
		CPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 1_000_000_000},
			SystemUsage: 4_000_000_000,
			OnlineCPUs:  2,
		},
		PreCPUStats: ctr.CPUStats{
			CPUUsage:    ctr.CPUUsage{TotalUsage: 900_000_000},
			SystemUsage: 5_000_000_000,
		},
	}

	if got := toUsage(stats).CPUPercent; got != 0 {
		t.Errorf("CPUPercent = %v; want 0 for negative system delta", got)
	}
}

func TestToUsage_NetworkSummedAcrossInterfaces(t *testing.T) {
	stats := ctr.StatsResponse{
		Networks: map[string]ctr.NetworkStats{
			"eth0": {RxBytes: 100, TxBytes: 50},
			"eth1": {RxBytes: 25, TxBytes: 10},
		},
		MemoryStats: ctr.MemoryStats{Usage: 1024, Limit: 4096},
	}

	usage := toUsage(stats)

	if usage.NetworkRx != 125 || usage.NetworkTx != 60 {
		t.Errorf("network = (%d, %d); want (125, 60)", usage.NetworkRx, usage.NetworkTx)
	}
	if usage.MemoryUsage != 1024 || usage.MemoryLimit != 4096 {
		t.Errorf("memory = (%d, %d); want (1024, 4096)", usage.MemoryUsage, usage.MemoryLimit)
	}
}

func TestToInfo_States(t *testing.T) {
	tests := []struct {
		name  string
		state *ctr.State
		want  State
	}{
		{"running", &ctr.State{Running: true, Status: "running"}, StateRunning},
		{"clean exit", &ctr.State{Status: "exited", ExitCode: 0}, StateStopped},
		{"crashed", &ctr.State{Status: "exited", ExitCode: 137}, StateError},
		{"dead", &ctr.State{Dead: true, Status: "dead"}, StateError},
		{"created", &ctr.State{Status: "created"}, StateStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := toInfo(ctr.InspectResponse{
				ContainerJSONBase: &ctr.ContainerJSONBase{
					ID:    "abc",
					State: tt.state,
				},
			})
			if info.State != tt.want {
				t.Errorf("State = %q; want %q", info.State, tt.want)
			}
		})
	}
}

func TestToInfo_ParsesTimestamps(t *testing.T) {
	info := toInfo(ctr.InspectResponse{
		ContainerJSONBase: &ctr.ContainerJSONBase{
			ID:      "abc",
			Created: "2026-03-01T10:00:00.5Z",
			State:   &ctr.State{Running: true, StartedAt: "2026-03-01T10:00:01Z"},
		},
	})

	if info.CreatedAt.IsZero() {
		t.Error("CreatedAt not parsed")
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt not parsed")
	}
}

func TestToInfo_ZeroStartedAtSentinel(t *testing.T) {
	info := toInfo(ctr.InspectResponse{
		ContainerJSONBase: &ctr.ContainerJSONBase{
			ID:    "abc",
			State: &ctr.State{Status: "created", StartedAt: "0001-01-01T00:00:00Z"},
		},
	})
	if !info.StartedAt.IsZero() {
		t.Errorf("StartedAt = %v; want zero for never-started container", info.StartedAt)
	}
}

func TestBuildPortBindings_Valid(t *testing.T) {
	exposed, bindings, err := buildPortBindings(map[string]string{"8080/tcp": "9090", "53": "5353"})
	if err != nil {
		t.Fatalf("buildPortBindings() error = %v", err)
	}
	if len(exposed) != 2 || len(bindings) != 2 {
		t.Fatalf("got %d exposed, %d bindings; want 2, 2", len(exposed), len(bindings))
	}
	if got := bindings["8080/tcp"][0].HostPort; got != "9090" {
		t.Errorf("host port = %q; want %q", got, "9090")
	}
	// Bare port defaults to tcp
	if _, ok := bindings["53/tcp"]; !ok {
		t.Error("bare port 53 not defaulted to 53/tcp")
	}
}

func TestBuildPortBindings_InvalidRange(t *testing.T) {
	_, _, err := buildPortBindings(map[string]string{"8080/tcp": "99999"})
	if !domain.IsKind(err, domain.KindBadRequest) {
		t.Errorf("err = %v; want bad_request for out-of-range port", err)
	}

	_, _, err = buildPortBindings(map[string]string{"nope/tcp": "8080"})
	if !domain.IsKind(err, domain.KindBadRequest) {
		t.Errorf("err = %v; want bad_request for non-numeric port", err)
	}
}
