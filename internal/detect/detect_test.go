package detect

import (
	"encoding/json"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parikshan-ai/edge-agent/internal/config"
)

type fakeFaceBackend struct {
	embeddings [][]float64
	err        error
	calls      int
}

func (f *fakeFaceBackend) Embeddings(img image.Image) ([][]float64, error) {
	f.calls++
	return f.embeddings, f.err
}

type fakePersonBackend struct {
	persons []Person
	err     error
}

func (f *fakePersonBackend) Persons(img image.Image) ([]Person, error) {
	return f.persons, f.err
}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 640, 480))
}

// unitVec returns a 128-dim unit vector with a 1 at index i.
func unitVec(i int) []float64 {
	v := make([]float64, 128)
	v[i] = 1
	return v
}

func decodePayload(t *testing.T, raw json.RawMessage, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestFaceDetector_MatchAboveThreshold(t *testing.T) {
	section := 7
	enrolled := []config.FaceEncoding{
		{EntityType: "STUDENT", EntityID: 42, SectionID: &section, Encoding: unitVec(0)},
		{EntityType: "STUDENT", EntityID: 99, Encoding: unitVec(1)},
	}
	// Probe at distance 0.1 from entity 42: confidence 0.9.
	probe := unitVec(0)
	probe[0] = 0.9

	backend := &fakeFaceBackend{embeddings: [][]float64{probe}}
	d := NewFaceDetector(backend, enrolled, 0.80)

	dets, err := d.Detect(testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, TypeAttendance, dets[0].Type)

	var p AttendancePayload
	decodePayload(t, dets[0].Data, &p)
	assert.Equal(t, "STUDENT", p.EntityType)
	assert.Equal(t, 42, p.EntityID)
	require.NotNil(t, p.SectionID)
	assert.Equal(t, 7, *p.SectionID)
	assert.InDelta(t, 0.9, p.Confidence, 1e-9)
}

func TestFaceDetector_BelowThresholdSuppressed(t *testing.T) {
	enrolled := []config.FaceEncoding{{EntityType: "STUDENT", EntityID: 1, Encoding: unitVec(0)}}
	// Distance 1.0 to the enrollment: confidence 0.
	backend := &fakeFaceBackend{embeddings: [][]float64{unitVec(5)}}
	d := NewFaceDetector(backend, enrolled, 0.80)

	dets, err := d.Detect(testFrame())
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestFaceDetector_NoEnrollmentsSkipsBackend(t *testing.T) {
	backend := &fakeFaceBackend{embeddings: [][]float64{unitVec(0)}}
	d := NewFaceDetector(backend, nil, 0.80)

	dets, err := d.Detect(testFrame())
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Zero(t, backend.calls)
}

func personAt(x, y float64) Person {
	return Person{X0: x - 20, Y0: y - 60, X1: x + 20, Y1: y + 60, Score: 0.9}
}

func disciplineAlerts(t *testing.T, dets []Detection) map[string]DisciplinePayload {
	t.Helper()
	out := map[string]DisciplinePayload{}
	for _, d := range dets {
		require.Equal(t, TypeDiscipline, d.Type)
		var p DisciplinePayload
		decodePayload(t, d.Data, &p)
		out[p.AlertType] = p
	}
	return out
}

func TestDiscipline_Crowding(t *testing.T) {
	var persons []Person
	for i := 0; i < 3; i++ {
		persons = append(persons, personAt(float64(i*200)+50, 240))
	}
	backend := &fakePersonBackend{persons: persons}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 3, RunningThreshold: 5, FightConfidenceThreshold: 0.85,
	})

	alerts := disciplineAlerts(t, mustDetect(t, d))
	require.Contains(t, alerts, AlertCrowding)
	assert.InDelta(t, 0.9, alerts[AlertCrowding].Confidence, 1e-9)
	assert.Equal(t, 3, alerts[AlertCrowding].Count)
}

// Cloud consumers key discipline payloads on "eventType".
func TestDiscipline_PayloadWireKey(t *testing.T) {
	var persons []Person
	for i := 0; i < 3; i++ {
		persons = append(persons, personAt(float64(i*200)+50, 240))
	}
	backend := &fakePersonBackend{persons: persons}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 3, RunningThreshold: 5, FightConfidenceThreshold: 0.85,
	})

	dets := mustDetect(t, d)
	require.NotEmpty(t, dets)
	assert.Contains(t, string(dets[0].Data), `"eventType":"CROWDING"`)
}

func TestDiscipline_LowScoreFiltered(t *testing.T) {
	persons := []Person{
		{X0: 0, Y0: 0, X1: 40, Y1: 120, Score: 0.4},
		{X0: 200, Y0: 0, X1: 240, Y1: 120, Score: 0.5},
	}
	backend := &fakePersonBackend{persons: persons}
	d := NewDisciplineDetector(backend, config.SchoolConfig{CrowdingThreshold: 1, RunningThreshold: 5, FightConfidenceThreshold: 0.85})

	// Scores at or below 0.5 never count.
	assert.Empty(t, mustDetect(t, d))
}

func TestDiscipline_RunningAcrossFrames(t *testing.T) {
	backend := &fakePersonBackend{persons: []Person{personAt(100, 240), personAt(400, 240)}}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 100, RunningThreshold: 2, FightConfidenceThreshold: 0.85,
	})

	// First frame seeds motion history.
	assert.Empty(t, mustDetect(t, d))

	// Both centroids travel 80px.
	backend.persons = []Person{personAt(180, 240), personAt(480, 240)}
	alerts := disciplineAlerts(t, mustDetect(t, d))
	require.Contains(t, alerts, AlertRunning)
	assert.Equal(t, 2, alerts[AlertRunning].Count)
	assert.InDelta(t, 0.85, alerts[AlertRunning].Confidence, 1e-9)
}

func TestDiscipline_SmallMovementIsNotRunning(t *testing.T) {
	backend := &fakePersonBackend{persons: []Person{personAt(100, 240)}}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 100, RunningThreshold: 1, FightConfidenceThreshold: 0.85,
	})

	mustDetect(t, d)
	backend.persons = []Person{personAt(130, 240)} // 30px, under the 50px floor
	assert.Empty(t, mustDetect(t, d))
}

func TestDiscipline_FightProximity(t *testing.T) {
	// Boxes 120 tall; centroids 40px apart, under 0.5*avgHeight = 60.
	backend := &fakePersonBackend{persons: []Person{personAt(300, 240), personAt(340, 240)}}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 100, RunningThreshold: 5, FightConfidenceThreshold: 0.85,
	})

	alerts := disciplineAlerts(t, mustDetect(t, d))
	require.Contains(t, alerts, AlertFight)
	assert.InDelta(t, 0.85, alerts[AlertFight].Confidence, 1e-9)
}

func TestDiscipline_DistantPairIsNotFight(t *testing.T) {
	backend := &fakePersonBackend{persons: []Person{personAt(100, 240), personAt(500, 240)}}
	d := NewDisciplineDetector(backend, config.SchoolConfig{
		CrowdingThreshold: 100, RunningThreshold: 5, FightConfidenceThreshold: 0.85,
	})
	assert.Empty(t, mustDetect(t, d))
}

func mustDetect(t *testing.T, d Detector) []Detection {
	t.Helper()
	dets, err := d.Detect(testFrame())
	require.NoError(t, err)
	return dets
}

type erroringDetector struct{}

func (erroringDetector) Detect(img image.Image) ([]Detection, error) {
	return nil, errors.New("backend exploded")
}

func TestComposite_FailIsolation(t *testing.T) {
	good := NewFaceDetector(
		&fakeFaceBackend{embeddings: [][]float64{unitVec(0)}},
		[]config.FaceEncoding{{EntityType: "STAFF", EntityID: 5, Encoding: unitVec(0)}},
		0.80,
	)
	c := &Composite{detectors: []Detector{erroringDetector{}, good}}

	dets, errs := c.Detect(testFrame())
	assert.Equal(t, 1, errs)
	require.Len(t, dets, 1)
	assert.Equal(t, TypeAttendance, dets[0].Type)
}

func TestBuild_Composition(t *testing.T) {
	backends := Backends{Face: &fakeFaceBackend{}, Person: &fakePersonBackend{}}
	school := config.DefaultSchoolConfig()

	assert.Equal(t, 2, Build("CORRIDOR", nil, school, backends).Size())
	assert.Equal(t, 2, Build("CLASSROOM", nil, school, backends).Size())
	assert.Equal(t, 2, Build("ENTRY", nil, school, backends).Size())

	// GENERAL cameras never run discipline heuristics.
	assert.Equal(t, 1, Build("GENERAL", nil, school, backends).Size())

	school.EnableFaceRecognition = false
	assert.Equal(t, 1, Build("CORRIDOR", nil, school, backends).Size())

	school.EnableDisciplineAlerts = false
	assert.Equal(t, 0, Build("CORRIDOR", nil, school, backends).Size())
}
