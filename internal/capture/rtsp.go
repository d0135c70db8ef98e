package capture

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ProbeRTSP checks that an RTSP endpoint answers an OPTIONS request. It
// deliberately stops short of DESCRIBE/SETUP: the goal is a cheap
// reachability and auth sanity check before committing decoder resources.
func ProbeRTSP(ctx context.Context, rtspURL string) error {
	target, err := url.Parse(rtspURL)
	if err != nil {
		return fmt.Errorf("rtsp probe: invalid url: %w", err)
	}

	port := target.Port()
	if port == "" {
		port = "554"
	}
	address := net.JoinHostPort(target.Hostname(), port)

	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("rtsp probe: %w", err)
	}
	defer conn.Close()

	req := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: ParikshanEdgeAgent/1.0\r\n\r\n", target.String())
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("rtsp probe: write: %w", err)
	}

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("rtsp probe: read: %w", err)
	}

	statusLine, _, _ := strings.Cut(string(buf[:n]), "\r\n")
	parts := strings.Split(statusLine, " ")
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return fmt.Errorf("rtsp probe: malformed response %q", statusLine)
	}

	switch parts[1] {
	case "200":
		return nil
	case "401", "403":
		return fmt.Errorf("rtsp probe: unauthorized (%s)", parts[1])
	default:
		return fmt.Errorf("rtsp probe: status %s", parts[1])
	}
}
