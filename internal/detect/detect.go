// Package detect turns decoded frames into structured observations. A
// Detector is a capability: the per-camera composite is assembled from the
// feature toggles and camera type, and invoking it is fail-isolated so one
// detector's error never masks another's output.
package detect

import (
	"encoding/json"
	"image"
	"log"

	"github.com/parikshan-ai/edge-agent/internal/config"
)

const (
	TypeAttendance = "ATTENDANCE"
	TypeDiscipline = "DISCIPLINE"
)

// Detection is one observation produced for a single frame.
type Detection struct {
	Type string
	Data json.RawMessage
}

// Detector inspects one frame. Implementations may keep per-stream state
// (motion history) but must be safe to discard and rebuild at any frame
// boundary.
type Detector interface {
	Detect(img image.Image) ([]Detection, error)
}

// AttendancePayload is the ATTENDANCE event body.
type AttendancePayload struct {
	EntityType string  `json:"entityType"`
	EntityID   int     `json:"entityId"`
	SectionID  *int    `json:"sectionId,omitempty"`
	Confidence float64 `json:"confidence"`
}

// DisciplinePayload is the DISCIPLINE event body.
type DisciplinePayload struct {
	AlertType  string  `json:"eventType"`
	Confidence float64 `json:"confidence"`
	Count      int     `json:"count,omitempty"`
}

// Backends supplies the inference implementations shared by all cameras.
// Zero-value fields disable the corresponding detectors.
type Backends struct {
	Face   FaceBackend
	Person PersonBackend
}

// Composite runs a sequence of detectors over each frame, concatenating
// their results. Errors are swallowed per detector and surfaced through the
// returned error count so the stream task can bump its error stat.
type Composite struct {
	detectors []Detector
}

// Build assembles the detector set for one camera. Pure in its inputs: the
// same (cameraType, encodings, school) always yields the same composition.
func Build(cameraType string, encodings []config.FaceEncoding, school config.SchoolConfig, backends Backends) *Composite {
	c := &Composite{}

	if school.EnableFaceRecognition && backends.Face != nil {
		c.detectors = append(c.detectors, NewFaceDetector(backends.Face, encodings, school.FaceConfidenceThreshold))
	}
	if school.EnableDisciplineAlerts && backends.Person != nil && disciplineCamera(cameraType) {
		c.detectors = append(c.detectors, NewDisciplineDetector(backends.Person, school))
	}
	return c
}

func disciplineCamera(cameraType string) bool {
	switch cameraType {
	case "CORRIDOR", "CLASSROOM", "ENTRY":
		return true
	}
	return false
}

// Detect invokes every inner detector, fail-isolated. It returns the
// concatenated detections and the number of detectors that errored.
func (c *Composite) Detect(img image.Image) ([]Detection, int) {
	var out []Detection
	errs := 0
	for _, d := range c.detectors {
		dets, err := d.Detect(img)
		if err != nil {
			log.Printf("[ERROR] Detector: %v", err)
			errs++
			continue
		}
		out = append(out, dets...)
	}
	return out, errs
}

// Size reports how many detectors are active, for the status surface.
func (c *Composite) Size() int {
	return len(c.detectors)
}

func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
