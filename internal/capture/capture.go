// Package capture provides frame sources for camera streams. Decoding is a
// narrow external contract: the agent consumes raster frames through Source
// and does not care how they were produced. MJPEG over HTTP is decoded
// in-process; H.264 RTSP streams are bridged through an MJPEG gateway
// sidecar (any go2rtc-style restreamer) configured via EDGE_MJPEG_GATEWAY.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"os"
	"time"
)

// Frame is a single decoded video frame.
type Frame struct {
	Image image.Image
	Time  time.Time
}

// Source yields frames from one camera connection. Read blocks until a
// frame is available, the stream fails, or ctx is done. Sources are owned
// by exactly one stream task.
type Source interface {
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// Dialer opens a Source for a stream URL. The supervisor treats a dial
// error as a failed connect and enters backoff.
type Dialer func(ctx context.Context, streamURL string) (Source, error)

// ErrNoDecoder is returned for stream schemes the agent cannot decode
// in-process and no gateway is configured for.
var ErrNoDecoder = errors.New("no decoder for stream scheme")

// NewDialer returns the production dialer. mjpegGateway may be empty, in
// which case rtsp URLs fail with ErrNoDecoder after a reachability probe.
func NewDialer(mjpegGateway string) Dialer {
	return func(ctx context.Context, streamURL string) (Source, error) {
		u, err := url.Parse(streamURL)
		if err != nil {
			return nil, fmt.Errorf("parse stream url: %w", err)
		}

		switch u.Scheme {
		case "http", "https":
			return OpenMJPEG(ctx, streamURL)
		case "rtsp", "rtsps":
			// Probe first so an unreachable camera fails fast into
			// backoff instead of tying up the gateway.
			if err := ProbeRTSP(ctx, streamURL); err != nil {
				return nil, err
			}
			if mjpegGateway == "" {
				return nil, fmt.Errorf("%w: %s (set EDGE_MJPEG_GATEWAY)", ErrNoDecoder, u.Scheme)
			}
			gw := fmt.Sprintf("%s/api/stream.mjpeg?src=%s", mjpegGateway, url.QueryEscape(streamURL))
			return OpenMJPEG(ctx, gw)
		default:
			return nil, fmt.Errorf("%w: %s", ErrNoDecoder, u.Scheme)
		}
	}
}

// DefaultDialer reads the gateway from the environment.
func DefaultDialer() Dialer {
	return NewDialer(os.Getenv("EDGE_MJPEG_GATEWAY"))
}
