package container

import (
	"strconv"
	"strings"
	"time"

	ctr "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/devcell/devcell/internal/domain"
)

// translateErr maps a raw engine error into the domain taxonomy. Engine
// error shapes never escape this package.
func translateErr(err error, op, id string) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return domain.NotFound("container %s not found", id)
	}
	return domain.Internal(err, "%s container %s", op, id)
}

// toInfo normalizes a raw inspect payload into the typed Info view.
func toInfo(resp ctr.InspectResponse) Info {
	info := Info{
		ID:        resp.ID,
		State:     StateStopped,
		CreatedAt: parseEngineTime(resp.Created),
	}

	if resp.Config != nil {
		info.Image = resp.Config.Image
	}

	if resp.State != nil {
		info.StartedAt = parseEngineTime(resp.State.StartedAt)
		switch {
		case resp.State.Running:
			info.State = StateRunning
		case resp.State.Dead || resp.State.OOMKilled:
			info.State = StateError
		case resp.State.Status == "exited" && resp.State.ExitCode != 0:
			info.State = StateError
		}
	}

	if resp.NetworkSettings != nil && len(resp.NetworkSettings.Ports) > 0 {
		info.PortBindings = make(map[string]string, len(resp.NetworkSettings.Ports))
		for port, bindings := range resp.NetworkSettings.Ports {
			if len(bindings) > 0 {
				info.PortBindings[string(port)] = bindings[0].HostPort
			}
		}
	}

	return info
}

// toUsage normalizes a raw stats payload. CPU percentage follows the engine
// convention: (container delta / system delta) * online CPUs * 100, with a
// non-positive system delta reported as 0 rather than a divide-by-zero or a
// negative figure.
func toUsage(stats ctr.StatsResponse) Usage {
	usage := Usage{
		MemoryUsage: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if sysDelta > 0 && cpuDelta > 0 {
		usage.CPUPercent = (cpuDelta / sysDelta) * online * 100.0
	}

	for _, nw := range stats.Networks {
		usage.NetworkRx += nw.RxBytes
		usage.NetworkTx += nw.TxBytes
	}

	return usage
}

// buildPortBindings converts the spec port map into engine structures,
// validating port numbers up front.
func buildPortBindings(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		spec := containerPort
		if !strings.Contains(spec, "/") {
			spec += "/tcp"
		}
		port := nat.Port(spec)
		if !validPort(port.Port()) {
			return nil, nil, domain.BadRequest("invalid container port %q", containerPort)
		}
		if !validPort(hostPort) {
			return nil, nil, domain.BadRequest("invalid host port %q", hostPort)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return exposed, bindings, nil
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1 && n <= 65535
}

// envList flattens an env map into the KEY=VALUE form the engine expects.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	return list
}

// parseEngineTime parses the RFC3339Nano timestamps the engine reports.
// The engine uses a zero sentinel for never-started containers.
func parseEngineTime(s string) time.Time {
	if s == "" || strings.HasPrefix(s, "0001-01-01") {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
