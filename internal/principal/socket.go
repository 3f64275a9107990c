package principal

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/skylark-labs/credgate/internal/log"
)

// Purpose says which trust policy a socket identification must satisfy. The
// same kernel table backs two different call paths: requests redirected to us
// by the interception route point at the real metadata service, while requests
// made directly against our listening port point at loopback. Matching a
// direct caller under the intercepted policy (or vice versa) would let one
// spoof the other, so the two are never conflated.
type Purpose int

const (
	// PurposeIntercepted identifies callers whose connection was
	// transparently redirected from the metadata service address.
	PurposeIntercepted Purpose = iota
	// PurposeDirect identifies callers that connected straight to the
	// proxy's own listening port.
	PurposeDirect
)

const tcpEstablished = 1

// Hex representations used in /proc/net/tcp(6), byte-reversed per the kernel
// format. See the proc(5) net/tcp notes.
const (
	ipv4IMDSAddrHex       = "FEA9FEA9"
	ipv6MappedIMDSAddrHex = "0000000000000000FFFF0000FEA9FEA9"

	ipv4LoopbackAddrHex       = "0100007F"
	ipv6LoopbackAddrHex       = "00000000000000000000000001000000"
	ipv6MappedLoopbackAddrHex = "0000000000000000FFFF00000100007F"

	imdsPort = 80
)

// ConnTable resolves the uid owning the far end of a local TCP connection by
// scanning the kernel's connection table.
type ConnTable struct {
	tcpPath  string
	tcp6Path string
}

// NewConnTable returns a ConnTable reading the live procfs tables.
func NewConnTable() *ConnTable {
	return &ConnTable{
		tcpPath:  "/proc/net/tcp",
		tcp6Path: "/proc/net/tcp6",
	}
}

// NewConnTableFromPaths returns a ConnTable reading the given table files.
// Used by tests to substitute fixtures.
func NewConnTableFromPaths(tcpPath, tcp6Path string) *ConnTable {
	return &ConnTable{tcpPath: tcpPath, tcp6Path: tcp6Path}
}

// ResolveUID maps an accepted connection's socket tuple to the uid of the
// process that opened it. localAddr/localPort describe our side of the HTTP
// socket, remoteAddr/remotePort the caller's side. proxyPort is our listening
// port, consulted only under PurposeDirect.
//
// The caller's own table row has our remote port as its local port. That row
// must be ESTABLISHED and its remote endpoint must match the purpose policy:
// the real metadata service for intercepted traffic, loopback at proxyPort for
// direct traffic.
func (t *ConnTable) ResolveUID(ctx context.Context, localAddr string, localPort int, remoteAddr string, remotePort int, proxyPort int, purpose Purpose) (uint32, bool) {
	if !isLoopback(localAddr) {
		log.Debug("local address of HTTP socket is not loopback", "addr", localAddr)
		return 0, false
	}

	for _, path := range []string{t.tcpPath, t.tcp6Path} {
		uid, ok, err := t.scanFile(ctx, path, remotePort, proxyPort, purpose)
		if err != nil {
			log.Error("reading connection table", "path", path, "error", err)
			continue
		}
		if ok {
			return uid, true
		}
	}

	log.Warn("could not identify caller from connection table",
		"local_addr", localAddr, "local_port", localPort,
		"remote_addr", remoteAddr, "remote_port", remotePort)
	return 0, false
}

func (t *ConnTable) scanFile(ctx context.Context, path string, reqRemotePort, proxyPort int, purpose Purpose) (uint32, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		uid, ok := matchRow(scanner.Text(), reqRemotePort, proxyPort, purpose)
		if ok {
			return uid, true, nil
		}
	}
	return 0, false, scanner.Err()
}

// matchRow parses one /proc/net/tcp(6) row. Layout:
//
//	sl local_address rem_address st tx_queue:rx_queue tr:tm->when retrnsmt uid ...
func matchRow(line string, reqRemotePort, proxyPort int, purpose Purpose) (uint32, bool) {
	fields := strings.Fields(line)
	if len(fields) < 8 || !strings.HasSuffix(fields[0], ":") {
		return 0, false
	}

	localPort, err := splitHexEndpointPort(fields[1])
	if err != nil {
		return 0, false
	}
	rowRemoteAddr, rowRemotePort, err := splitHexEndpoint(fields[2])
	if err != nil {
		return 0, false
	}
	state, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil || state != tcpEstablished {
		return 0, false
	}
	uid, err := strconv.ParseUint(fields[7], 10, 32)
	if err != nil {
		return 0, false
	}

	if localPort != reqRemotePort {
		return 0, false
	}

	switch purpose {
	case PurposeIntercepted:
		if !isIMDSAddrHex(rowRemoteAddr) || rowRemotePort != imdsPort {
			return 0, false
		}
	case PurposeDirect:
		if !isLoopbackAddrHex(rowRemoteAddr) || rowRemotePort != proxyPort {
			return 0, false
		}
	default:
		return 0, false
	}

	return uint32(uid), true
}

func splitHexEndpoint(s string) (addr string, port int, err error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed endpoint %q", s)
	}
	p, err := strconv.ParseUint(s[idx+1:], 16, 16)
	if err != nil {
		return "", 0, err
	}
	return strings.ToUpper(s[:idx]), int(p), nil
}

func splitHexEndpointPort(s string) (int, error) {
	_, port, err := splitHexEndpoint(s)
	return port, err
}

func isIMDSAddrHex(addr string) bool {
	return addr == ipv4IMDSAddrHex || addr == ipv6MappedIMDSAddrHex
}

func isLoopbackAddrHex(addr string) bool {
	return addr == ipv4LoopbackAddrHex || addr == ipv6LoopbackAddrHex || addr == ipv6MappedLoopbackAddrHex
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
