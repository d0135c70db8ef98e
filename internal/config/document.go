package config

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
)

// Document is the configuration payload served by /api/edge/config.
type Document struct {
	Cameras       []CameraDoc       `json:"cameras"`
	NVRs          []NVRDoc          `json:"nvrs"`
	FaceEncodings []FaceEncodingDoc `json:"faceEncodings"`
	School        *SchoolDoc        `json:"schoolConfig"`
}

type CameraDoc struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	RTSPURL       string `json:"rtspUrl"`
	Type          string `json:"type"`
	Location      string `json:"location"`
	IsActive      *bool  `json:"isActive"`
	NVRID         int    `json:"nvrId"`
	ChannelNumber int    `json:"channelNumber"`
}

type NVRDoc struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	IPAddress     string `json:"ipAddress"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	RTSPTemplate  string `json:"rtspTemplate"`
	TotalChannels int    `json:"totalChannels"`
}

type FaceEncodingDoc struct {
	EntityType string `json:"entityType"`
	EntityID   int    `json:"entityId"`
	SectionID  *int   `json:"sectionId"`
	Encoding   string `json:"encoding"`
}

type SchoolDoc struct {
	EnableFaceRecognition         *bool `json:"enableFaceRecognition"`
	EnableDisciplineAlerts        *bool `json:"enableDisciplineAlerts"`
	AttendanceConfidenceThreshold int   `json:"attendanceConfidenceThreshold"`
	FightConfidenceThreshold      int   `json:"fightConfidenceThreshold"`
	CrowdingThreshold             int   `json:"crowdingThreshold"`
	RunningThreshold              int   `json:"runningThreshold"`
}

const embeddingDims = 128

// decodeFaceEncodings converts wire encodings (base64 of 128 little-endian
// float64 values) to usable embeddings. Malformed entries are dropped with
// a warning.
func decodeFaceEncodings(docs []FaceEncodingDoc) []FaceEncoding {
	out := make([]FaceEncoding, 0, len(docs))
	for _, d := range docs {
		vec, err := DecodeEmbedding(d.Encoding)
		if err != nil {
			log.Printf("[Config] Discarding face encoding for %s/%d: %v", d.EntityType, d.EntityID, err)
			continue
		}
		out = append(out, FaceEncoding{
			EntityType: d.EntityType,
			EntityID:   d.EntityID,
			SectionID:  d.SectionID,
			Encoding:   vec,
		})
	}
	return out
}

// DecodeEmbedding decodes a base64 embedding into exactly 128 float64s.
func DecodeEmbedding(s string) ([]float64, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != embeddingDims*8 {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrBadEmbedding, len(raw))
	}
	vec := make([]float64, embeddingDims)
	for i := range vec {
		bits := binary.LittleEndian.Uint64(raw[i*8:])
		vec[i] = math.Float64frombits(bits)
	}
	return vec, nil
}

// EncodeEmbedding is the inverse of DecodeEmbedding.
func EncodeEmbedding(vec []float64) string {
	raw := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// ErrBadEmbedding flags an encoding that does not decode to 128 doubles.
var ErrBadEmbedding = errors.New("embedding is not 128 float64 values")
