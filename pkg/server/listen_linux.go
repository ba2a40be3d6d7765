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

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 1024 {
		log.Printf("WARNING: net.core.somaxconn=%d may be too low for high connection rates", somaxconn)
	}
}

// monitorUDPDrops periodically publishes the kernel's UDP receive buffer
// error counter and warns when it grows (Linux-specific)
func (s *Server) monitorUDPDrops() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	lastErrors := readSNMPCounter("/proc/net/snmp", "Udp:", "RcvbufErrors")
	s.metrics.RecordUDPReceiveErrors(lastErrors)

	for {
		select {
		case <-ticker.C:
			rcvErrors := readSNMPCounter("/proc/net/snmp", "Udp:", "RcvbufErrors")
			s.metrics.RecordUDPReceiveErrors(rcvErrors)
			if rcvErrors > lastErrors {
				log.Printf("WARNING: %d UDP datagram(s) dropped for lack of receive buffer (total: %d)", rcvErrors-lastErrors, rcvErrors)
			}
			lastErrors = rcvErrors

		case <-s.shutdown:
			return
		}
	}
}

// readSNMPCounter reads one column from a /proc/net/snmp style file, where
// each section is a header line followed by a value line with the same prefix
func readSNMPCounter(path, prefix, column string) uint64 {
	file, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers []string
	var values []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			fields := strings.Fields(line)
			if len(headers) == 0 {
				headers = fields[1:]
			} else {
				values = fields[1:]
				break
			}
		}
	}

	for i, header := range headers {
		if header == column && i < len(values) {
			var count uint64
			fmt.Sscanf(values[i], "%d", &count)
			return count
		}
	}

	return 0
}
