package detect

import (
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Model files are looked up at first use so the agent starts (and streams)
// even on hosts without the inference assets. A failed load degrades the
// backend to a no-op permanently; it never retries.
const (
	defaultPersonModel    = "/app/models/ssd_mobilenet_v2.onnx"
	defaultFaceDetModel   = "/app/models/version-RFB-320.onnx"
	defaultFaceEmbedModel = "/app/models/mobilefacenet.onnx"
)

var ortEnvOnce sync.Once
var ortEnvErr error

func ensureRuntime() error {
	ortEnvOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortEnvErr = ort.InitializeEnvironment()
	})
	return ortEnvErr
}

func modelPath(envKey, fallback string) string {
	if p := os.Getenv(envKey); p != "" {
		return p
	}
	return fallback
}

// ONNXPersonBackend runs an SSD-style person detector. Output tensors follow
// the detection-model convention: normalized [ymin xmin ymax xmax] boxes,
// float class ids, scores. Only class 1 (person) is kept.
type ONNXPersonBackend struct {
	once     sync.Once
	session  *ort.DynamicAdvancedSession
	degraded bool
}

func NewONNXPersonBackend() *ONNXPersonBackend {
	return &ONNXPersonBackend{}
}

func (b *ONNXPersonBackend) init() {
	path := modelPath("PERSON_MODEL_PATH", defaultPersonModel)
	if err := ensureRuntime(); err != nil {
		log.Printf("[Detect] ONNX runtime unavailable, person detection disabled: %v", err)
		b.degraded = true
		return
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("[Detect] Person model not found at %s, person detection disabled", path)
		b.degraded = true
		return
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{"image_tensor:0"},
		[]string{"detection_boxes:0", "detection_classes:0", "detection_scores:0"},
		nil)
	if err != nil {
		log.Printf("[Detect] Could not load person model %s: %v", path, err)
		b.degraded = true
		return
	}
	b.session = session
	log.Printf("[Detect] Person model loaded from %s", path)
}

func (b *ONNXPersonBackend) Persons(img image.Image) ([]Person, error) {
	b.once.Do(b.init)
	if b.degraded {
		return nil, nil
	}

	const side = 300
	input, err := ort.NewTensor(ort.NewShape(1, side, side, 3), rgbBytes(img, side, side))
	if err != nil {
		return nil, fmt.Errorf("person input tensor: %w", err)
	}
	defer input.Destroy()

	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100, 4))
	if err != nil {
		return nil, err
	}
	defer boxes.Destroy()
	classes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100))
	if err != nil {
		return nil, err
	}
	defer classes.Destroy()
	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 100))
	if err != nil {
		return nil, err
	}
	defer scores.Destroy()

	if err := b.session.Run(
		[]ort.Value{input},
		[]ort.Value{boxes, classes, scores}); err != nil {
		return nil, fmt.Errorf("person inference: %w", err)
	}

	bounds := img.Bounds()
	w, h := float64(bounds.Dx()), float64(bounds.Dy())

	boxData := boxes.GetData()
	classData := classes.GetData()
	scoreData := scores.GetData()

	var out []Person
	for i := 0; i < len(classData) && i < len(scoreData); i++ {
		if int(classData[i]) != 1 {
			continue
		}
		if 4*i+3 >= len(boxData) {
			break
		}
		out = append(out, Person{
			Y0:    float64(boxData[4*i]) * h,
			X0:    float64(boxData[4*i+1]) * w,
			Y1:    float64(boxData[4*i+2]) * h,
			X1:    float64(boxData[4*i+3]) * w,
			Score: float64(scoreData[i]),
		})
	}
	return out, nil
}

// ONNXFaceBackend chains a face locator and an embedding model. Embeddings
// are L2-normalized so Euclidean distances land in [0, 2] and the
// 1-minDistance confidence mapping behaves.
type ONNXFaceBackend struct {
	once     sync.Once
	locator  *ort.DynamicAdvancedSession
	embedder *ort.DynamicAdvancedSession
	degraded bool
}

func NewONNXFaceBackend() *ONNXFaceBackend {
	return &ONNXFaceBackend{}
}

func (b *ONNXFaceBackend) init() {
	detPath := modelPath("FACE_DETECT_MODEL_PATH", defaultFaceDetModel)
	embedPath := modelPath("FACE_EMBED_MODEL_PATH", defaultFaceEmbedModel)

	if err := ensureRuntime(); err != nil {
		log.Printf("[Detect] ONNX runtime unavailable, face recognition disabled: %v", err)
		b.degraded = true
		return
	}
	for _, p := range []string{detPath, embedPath} {
		if _, err := os.Stat(p); err != nil {
			log.Printf("[Detect] Face model not found at %s, face recognition disabled", p)
			b.degraded = true
			return
		}
	}

	locator, err := ort.NewDynamicAdvancedSession(detPath,
		[]string{"input"}, []string{"scores", "boxes"}, nil)
	if err != nil {
		log.Printf("[Detect] Could not load face locator %s: %v", detPath, err)
		b.degraded = true
		return
	}
	embedder, err := ort.NewDynamicAdvancedSession(embedPath,
		[]string{"input"}, []string{"embeddings"}, nil)
	if err != nil {
		locator.Destroy()
		log.Printf("[Detect] Could not load face embedder %s: %v", embedPath, err)
		b.degraded = true
		return
	}
	b.locator = locator
	b.embedder = embedder
	log.Printf("[Detect] Face models loaded (%s, %s)", detPath, embedPath)
}

func (b *ONNXFaceBackend) Embeddings(img image.Image) ([][]float64, error) {
	b.once.Do(b.init)
	if b.degraded {
		return nil, nil
	}

	faces, err := b.locate(img)
	if err != nil {
		return nil, err
	}

	var out [][]float64
	for _, face := range faces {
		emb, err := b.embed(img, face)
		if err != nil {
			return out, err
		}
		out = append(out, emb)
	}
	return out, nil
}

// locate runs the RFB-320 style locator: 320x240 input, per-anchor
// (background, face) scores and normalized corner boxes.
func (b *ONNXFaceBackend) locate(img image.Image) ([]image.Rectangle, error) {
	const inW, inH = 320, 240
	input, err := ort.NewTensor(ort.NewShape(1, 3, inH, inW), chwFloats(img, inW, inH, 127, 128))
	if err != nil {
		return nil, fmt.Errorf("face locator input: %w", err)
	}
	defer input.Destroy()

	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 4420, 2))
	if err != nil {
		return nil, err
	}
	defer scores.Destroy()
	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 4420, 4))
	if err != nil {
		return nil, err
	}
	defer boxes.Destroy()

	if err := b.locator.Run([]ort.Value{input}, []ort.Value{scores, boxes}); err != nil {
		return nil, fmt.Errorf("face locator inference: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	scoreData := scores.GetData()
	boxData := boxes.GetData()

	var out []image.Rectangle
	for i := 0; 2*i+1 < len(scoreData) && 4*i+3 < len(boxData); i++ {
		if scoreData[2*i+1] < 0.7 {
			continue
		}
		r := image.Rect(
			int(boxData[4*i+0]*float32(w)),
			int(boxData[4*i+1]*float32(h)),
			int(boxData[4*i+2]*float32(w)),
			int(boxData[4*i+3]*float32(h)),
		).Intersect(bounds)
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *ONNXFaceBackend) embed(img image.Image, face image.Rectangle) ([]float64, error) {
	const side = 112
	crop := cropImage(img, face)
	input, err := ort.NewTensor(ort.NewShape(1, 3, side, side), chwFloats(crop, side, side, 127.5, 127.5))
	if err != nil {
		return nil, fmt.Errorf("face embedder input: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 128))
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	if err := b.embedder.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("face embedder inference: %w", err)
	}

	raw := output.GetData()
	emb := make([]float64, len(raw))
	var norm float64
	for i, v := range raw {
		emb[i] = float64(v)
		norm += emb[i] * emb[i]
	}
	if norm = math.Sqrt(norm); norm > 0 {
		for i := range emb {
			emb[i] /= norm
		}
	}
	return emb, nil
}

// rgbBytes resizes to w x h with point sampling and packs interleaved RGB.
func rgbBytes(src image.Image, w, h int) []uint8 {
	b := src.Bounds()
	out := make([]uint8, w*h*3)
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			r, g, bl, _ := src.At(sx, sy).RGBA()
			i := (y*w + x) * 3
			out[i] = uint8(r >> 8)
			out[i+1] = uint8(g >> 8)
			out[i+2] = uint8(bl >> 8)
		}
	}
	return out
}

// chwFloats resizes and packs planar CHW float32 with (v-mean)/scale
// normalization.
func chwFloats(src image.Image, w, h int, mean, scale float32) []float32 {
	b := src.Bounds()
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		sy := b.Min.Y + y*b.Dy()/h
		for x := 0; x < w; x++ {
			sx := b.Min.X + x*b.Dx()/w
			r, g, bl, _ := src.At(sx, sy).RGBA()
			i := y*w + x
			out[i] = (float32(r>>8) - mean) / scale
			out[plane+i] = (float32(g>>8) - mean) / scale
			out[2*plane+i] = (float32(bl>>8) - mean) / scale
		}
	}
	return out
}

func cropImage(src image.Image, r image.Rectangle) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			dst.Set(x, y, src.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return dst
}
