package sampler

import (
	"bufio"
	"errors"
	"strconv"
	"strings"
	"time"

	"kvdash/internal/models"
)

var errEmptyInfo = errors.New("empty INFO reply")

// parseFields splits an INFO reply into its key:value pairs. Section
// headers and blank lines are skipped.
func parseFields(text string) map[string]string {
	out := make(map[string]string, 128)
	s := bufio.NewScanner(strings.NewReader(text))
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// parseInfo turns a full INFO reply into a sample stamped with ts.
func parseInfo(text string, ts time.Time) (models.MetricsSample, error) {
	f := parseFields(text)
	if len(f) == 0 {
		return models.MetricsSample{}, errEmptyInfo
	}
	s := models.MetricsSample{TS: ts}

	s.Server = models.ServerInfo{
		Version:   f["redis_version"],
		Mode:      f["redis_mode"],
		UptimeSec: atoi(f["uptime_in_seconds"]),
		PID:       atoi(f["process_id"]),
		Port:      int(atoi(f["tcp_port"])),
	}
	s.CPU = models.CPUStats{
		UsedSys:  atof(f["used_cpu_sys"]),
		UsedUser: atof(f["used_cpu_user"]),
	}
	s.Memory = models.MemoryStats{
		UsedBytes:          atoi(f["used_memory"]),
		PeakBytes:          atoi(f["used_memory_peak"]),
		RSSBytes:           atoi(f["used_memory_rss"]),
		MaxMemoryBytes:     atoi(f["maxmemory"]),
		FragmentationRatio: atof(f["mem_fragmentation_ratio"]),
	}
	s.Network = models.NetworkStats{
		InputBytes:          atoi(f["total_net_input_bytes"]),
		OutputBytes:         atoi(f["total_net_output_bytes"]),
		InstantaneousOps:    atof(f["instantaneous_ops_per_sec"]),
		ConnectionsReceived: atoi(f["total_connections_received"]),
		CommandsProcessed:   atoi(f["total_commands_processed"]),
	}
	s.Clients = models.ClientStats{
		Connected: atoi(f["connected_clients"]),
		Blocked:   atoi(f["blocked_clients"]),
	}

	hits, misses := atoi(f["keyspace_hits"]), atoi(f["keyspace_misses"])
	s.Keyspace = models.KeyspaceStats{Hits: hits, Misses: misses, Keys: parseKeyspace(f)}
	if total := hits + misses; total > 0 {
		s.Keyspace.HitRatio = float64(hits) / float64(total) * 100
	}
	return s, nil
}

// parseKeyspace reads the dbN:keys=..,expires=.. lines.
func parseKeyspace(f map[string]string) map[int]int64 {
	out := map[int]int64{}
	for k, v := range f {
		if !strings.HasPrefix(k, "db") {
			continue
		}
		idx, err := strconv.Atoi(k[2:])
		if err != nil {
			continue
		}
		for _, part := range strings.Split(v, ",") {
			name, val, ok := strings.Cut(part, "=")
			if ok && name == "keys" {
				out[idx] = atoi(val)
			}
		}
	}
	return out
}

// commandsProcessed extracts total_commands_processed from a (possibly
// partial) INFO reply.
func commandsProcessed(text string) (int64, bool) {
	v, ok := parseFields(text)["total_commands_processed"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func atoi(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
