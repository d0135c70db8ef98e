package detect

import (
	"image"
	"math"

	"github.com/parikshan-ai/edge-agent/internal/config"
)

// FaceBackend locates faces in a frame and returns one embedding vector per
// face. An empty result on a degraded backend is valid output.
type FaceBackend interface {
	Embeddings(img image.Image) ([][]float64, error)
}

// Enrollment pairs an identity with its reference embedding.
type Enrollment struct {
	EntityType string
	EntityID   int
	SectionID  *int
	Encoding   []float64
}

// FaceDetector matches faces in a frame against the enrolled embeddings.
// Frames are downsampled 2x before inference; recognition quality is
// insensitive to it and it quarters the backend's work.
type FaceDetector struct {
	backend   FaceBackend
	known     []Enrollment
	threshold float64
}

func NewFaceDetector(backend FaceBackend, encodings []config.FaceEncoding, threshold float64) *FaceDetector {
	known := make([]Enrollment, 0, len(encodings))
	for _, e := range encodings {
		known = append(known, Enrollment{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			SectionID:  e.SectionID,
			Encoding:   e.Encoding,
		})
	}
	return &FaceDetector{backend: backend, known: known, threshold: threshold}
}

func (f *FaceDetector) Detect(img image.Image) ([]Detection, error) {
	if len(f.known) == 0 {
		return nil, nil
	}

	probes, err := f.backend.Embeddings(downsample2x(img))
	if err != nil {
		return nil, err
	}

	var out []Detection
	for _, probe := range probes {
		best, minDist := f.bestMatch(probe)
		if best == nil {
			continue
		}
		confidence := 1 - minDist
		if confidence < f.threshold {
			continue
		}
		out = append(out, Detection{
			Type: TypeAttendance,
			Data: mustJSON(AttendancePayload{
				EntityType: best.EntityType,
				EntityID:   best.EntityID,
				SectionID:  best.SectionID,
				Confidence: confidence,
			}),
		})
	}
	return out, nil
}

func (f *FaceDetector) bestMatch(probe []float64) (*Enrollment, float64) {
	var best *Enrollment
	minDist := math.Inf(1)
	for i := range f.known {
		d := euclidean(probe, f.known[i].Encoding)
		if d < minDist {
			minDist = d
			best = &f.known[i]
		}
	}
	return best, minDist
}

func euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// downsample2x halves the frame in each axis with point sampling.
func downsample2x(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	if w < 1 || h < 1 {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(x, y, src.At(b.Min.X+x*2, b.Min.Y+y*2))
		}
	}
	return dst
}
