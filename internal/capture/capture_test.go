package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func mjpegHandler(t *testing.T, frames [][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `multipart/x-mixed-replace; boundary=frame`)
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(f))
			w.Write(f)
			fmt.Fprint(w, "\r\n")
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
		}
	}
}

func TestOpenMJPEG_ReadsFrames(t *testing.T) {
	jpg := encodeTestJPEG(t, 64, 48)
	srv := httptest.NewServer(mjpegHandler(t, [][]byte{jpg, jpg}))
	defer srv.Close()

	src, err := OpenMJPEG(context.Background(), srv.URL)
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 2; i++ {
		frame, err := src.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 64, frame.Image.Bounds().Dx())
		assert.Equal(t, 48, frame.Image.Bounds().Dy())
		assert.WithinDuration(t, time.Now(), frame.Time, 5*time.Second)
	}

	// Stream exhausted: the next read is an error, not a hang.
	_, err = src.Read(context.Background())
	assert.Error(t, err)
}

func TestOpenMJPEG_WrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not a camera</html>"))
	}))
	defer srv.Close()

	_, err := OpenMJPEG(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "unexpected content type")
}

func TestOpenMJPEG_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "camera offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := OpenMJPEG(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "status 502")
}

// fakeRTSP answers one OPTIONS request with the given status line.
func fakeRTSP(t *testing.T, status string) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		fmt.Fprintf(conn, "RTSP/1.0 %s\r\nCSeq: 1\r\n\r\n", status)
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestProbeRTSP_OK(t *testing.T) {
	addr, cleanup := fakeRTSP(t, "200 OK")
	defer cleanup()

	err := ProbeRTSP(context.Background(), "rtsp://"+addr+"/stream")
	assert.NoError(t, err)
}

func TestProbeRTSP_Unauthorized(t *testing.T) {
	addr, cleanup := fakeRTSP(t, "401 Unauthorized")
	defer cleanup()

	err := ProbeRTSP(context.Background(), "rtsp://"+addr+"/stream")
	assert.ErrorContains(t, err, "unauthorized")
}

func TestProbeRTSP_ConnectionRefused(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	err = ProbeRTSP(context.Background(), "rtsp://"+addr+"/stream")
	assert.Error(t, err)
}

func TestNewDialer_RTSPWithoutGateway(t *testing.T) {
	addr, cleanup := fakeRTSP(t, "200 OK")
	defer cleanup()

	dial := NewDialer("")
	_, err := dial(context.Background(), "rtsp://"+addr+"/stream")
	assert.ErrorIs(t, err, ErrNoDecoder)
}

func TestNewDialer_HTTP(t *testing.T) {
	jpg := encodeTestJPEG(t, 32, 32)
	srv := httptest.NewServer(mjpegHandler(t, [][]byte{jpg}))
	defer srv.Close()

	dial := NewDialer("")
	src, err := dial(context.Background(), srv.URL)
	require.NoError(t, err)
	defer src.Close()

	frame, err := src.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, frame.Image.Bounds().Dx())
}

func TestNewDialer_UnknownScheme(t *testing.T) {
	dial := NewDialer("")
	_, err := dial(context.Background(), "ftp://camera/stream")
	assert.ErrorIs(t, err, ErrNoDecoder)
}
