//go:build linux

package server

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const overflowCheckInterval = 10 * time.Second

// logListenBacklog logs the listen address together with the kernel's
// accept backlog limit
func logListenBacklog(logger zerolog.Logger, addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	logger.Info().Str("addr", addr).Int("somaxconn", somaxconn).Msg("TCP server listening")
	if somaxconn > 0 && somaxconn < 4096 {
		logger.Warn().Int("somaxconn", somaxconn).Msg("Kernel listen backlog is low for bursty connects (sysctl net.core.somaxconn)")
	}
}

// monitorListenOverflows logs whenever the kernel drops connections because
// the accept queue was full
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(overflowCheckInterval)
	defer ticker.Stop()

	last, ok := readListenOverflows("/proc/net/netstat")
	if !ok {
		return
	}

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			current, ok := readListenOverflows("/proc/net/netstat")
			if !ok {
				continue
			}
			if current > last {
				s.logger.Warn().
					Uint64("dropped", current-last).
					Uint64("total", current).
					Msg("Connections dropped by listen backlog overflow")
			}
			last = current
		}
	}
}

// readListenOverflows reads the TcpExt ListenOverflows counter from a
// netstat-format file
func readListenOverflows(path string) (uint64, bool) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()

	var headers, values []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TcpExt:") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if headers == nil {
			headers = fields
			continue
		}
		values = fields
		break
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			n, err := strconv.ParseUint(values[i], 10, 64)
			return n, err == nil
		}
	}
	return 0, false
}
