//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

const listenOverflowInterval = 10 * time.Second

// logListenBacklog logs the bound address and the kernel's accept backlog
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("HTTP server listening on %s (WebSocket at /ws, kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop WebSocket upgrades during reconnect storms", somaxconn)
	}
}

// listenOverflowLoop reports connections the kernel dropped before accept
func (s *Server) listenOverflowLoop() {
	defer s.loopWG.Done()

	ticker := time.NewTicker(listenOverflowInterval)
	defer ticker.Stop()

	last := readListenOverflows()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			overflows := readListenOverflows()
			if overflows > last {
				log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow (total: %d)", overflows-last, overflows)
			}
			last = overflows
		}
	}
}

// readListenOverflows reads TcpExt ListenOverflows from /proc/net/netstat.
func readListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()
	return parseListenOverflows(bufio.NewScanner(file))
}

func parseListenOverflows(scanner *bufio.Scanner) uint64 {
	var headers, values []string
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
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
