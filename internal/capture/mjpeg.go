package capture

import (
	"context"
	"fmt"
	"image/jpeg"
	"mime"
	"mime/multipart"
	"net/http"
	"time"
)

// mjpegSource reads a multipart/x-mixed-replace JPEG stream. The decoder
// always holds at most one part in flight, which gives the 1-frame capture
// buffer behavior: a slow consumer sees the freshest frame the server is
// willing to send, never a backlog held by the agent.
type mjpegSource struct {
	resp   *http.Response
	reader *multipart.Reader
	cancel context.CancelFunc
}

// OpenMJPEG connects to an MJPEG-over-HTTP endpoint.
func OpenMJPEG(ctx context.Context, streamURL string) (Source, error) {
	// The stream is long-lived; only the dial phase is bounded.
	reqCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}

	client := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mjpeg connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg connect: status %d", resp.StatusCode)
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("mjpeg connect: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	return &mjpegSource{
		resp:   resp,
		reader: multipart.NewReader(resp.Body, params["boundary"]),
		cancel: cancel,
	}, nil
}

func (s *mjpegSource) Read(ctx context.Context) (*Frame, error) {
	type result struct {
		frame *Frame
		err   error
	}
	done := make(chan result, 1)

	go func() {
		part, err := s.reader.NextPart()
		if err != nil {
			done <- result{nil, fmt.Errorf("mjpeg read: %w", err)}
			return
		}
		defer part.Close()

		img, err := jpeg.Decode(part)
		if err != nil {
			done <- result{nil, fmt.Errorf("mjpeg decode: %w", err)}
			return
		}
		done <- result{&Frame{Image: img, Time: time.Now()}, nil}
	}()

	select {
	case <-ctx.Done():
		// Unblock the part reader; the source is unusable afterwards.
		s.cancel()
		return nil, ctx.Err()
	case r := <-done:
		return r.frame, r.err
	}
}

func (s *mjpegSource) Close() error {
	s.cancel()
	return s.resp.Body.Close()
}
