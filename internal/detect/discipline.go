package detect

import (
	"image"
	"math"

	"github.com/parikshan-ai/edge-agent/internal/config"
)

// Person is one detected person in frame pixel coordinates.
type Person struct {
	X0, Y0, X1, Y1 float64
	Score          float64
}

// PersonBackend finds people in a frame.
type PersonBackend interface {
	Persons(img image.Image) ([]Person, error)
}

const (
	AlertCrowding = "CROWDING"
	AlertRunning  = "RUNNING"
	AlertFight    = "FIGHT"

	personMinScore = 0.5
	runnerMinMove  = 50.0 // pixels of centroid travel between checks
)

type point struct{ x, y float64 }

// DisciplineDetector runs three heuristics over a single person-detection
// pass: crowding by headcount, running by centroid movement against the
// previous frame, and fighting by pairwise centroid proximity.
//
// Running correspondence is by ordinal index into the detection list, so a
// reordering of detections between frames can miscount. Kept as-is until a
// tracker replaces it.
type DisciplineDetector struct {
	backend PersonBackend

	crowdingThreshold int
	runningThreshold  int
	fightConfidence   float64

	prev []point
}

func NewDisciplineDetector(backend PersonBackend, school config.SchoolConfig) *DisciplineDetector {
	return &DisciplineDetector{
		backend:           backend,
		crowdingThreshold: school.CrowdingThreshold,
		runningThreshold:  school.RunningThreshold,
		fightConfidence:   school.FightConfidenceThreshold,
	}
}

func (d *DisciplineDetector) Detect(img image.Image) ([]Detection, error) {
	raw, err := d.backend.Persons(img)
	if err != nil {
		return nil, err
	}

	persons := raw[:0:0]
	for _, p := range raw {
		if p.Score > personMinScore {
			persons = append(persons, p)
		}
	}

	var out []Detection

	if len(persons) >= d.crowdingThreshold && d.crowdingThreshold > 0 {
		out = append(out, discipline(AlertCrowding, 0.9, len(persons)))
	}

	centroids := make([]point, len(persons))
	for i, p := range persons {
		centroids[i] = point{(p.X0 + p.X1) / 2, (p.Y0 + p.Y1) / 2}
	}

	runners := 0
	for i, c := range centroids {
		if i >= len(d.prev) {
			break
		}
		if dist(c, d.prev[i]) > runnerMinMove {
			runners++
		}
	}
	d.prev = centroids
	if runners >= d.runningThreshold && d.runningThreshold > 0 {
		out = append(out, discipline(AlertRunning, 0.85, runners))
	}

	if fightDetected(persons, centroids) {
		out = append(out, discipline(AlertFight, 0.85, 0))
	}

	return out, nil
}

// fightDetected fires when any two centroids are closer than half the
// average box height.
func fightDetected(persons []Person, centroids []point) bool {
	if len(persons) < 2 {
		return false
	}
	var totalHeight float64
	for _, p := range persons {
		totalHeight += p.Y1 - p.Y0
	}
	limit := 0.5 * totalHeight / float64(len(persons))

	for i := 0; i < len(centroids); i++ {
		for j := i + 1; j < len(centroids); j++ {
			if dist(centroids[i], centroids[j]) < limit {
				return true
			}
		}
	}
	return false
}

func discipline(alertType string, confidence float64, count int) Detection {
	return Detection{
		Type: TypeDiscipline,
		Data: mustJSON(DisciplinePayload{
			AlertType:  alertType,
			Confidence: confidence,
			Count:      count,
		}),
	}
}

func dist(a, b point) float64 {
	return math.Hypot(a.x-b.x, a.y-b.y)
}
