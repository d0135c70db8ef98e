package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const Version = "1.0.0"

// DefaultNVRTemplate is used when an NVR record carries no rtspTemplate.
const DefaultNVRTemplate = "rtsp://{username}:{password}@{ip}:{port}/cam/realmonitor?channel={channel}&subtype=0"

// Camera is a single stream target. Created and replaced only by cloud sync.
type Camera struct {
	ID       int
	Name     string
	RTSPURL  string
	Type     string
	Location string
	Enabled  bool
}

// NVR aggregates camera channels behind one credentialed endpoint.
type NVR struct {
	ID            int
	Name          string
	IPAddress     string
	Port          int
	Username      string
	Password      string
	RTSPTemplate  string
	TotalChannels int
}

// FaceEncoding is an enrolled identity with its 128-dim embedding.
type FaceEncoding struct {
	EntityType string
	EntityID   int
	SectionID  *int
	Encoding   []float64
}

// SchoolConfig holds feature toggles and normalized thresholds.
// Percent thresholds from the cloud are divided by 100 on ingest.
type SchoolConfig struct {
	EnableFaceRecognition    bool
	EnableDisciplineAlerts   bool
	FaceConfidenceThreshold  float64
	FightConfidenceThreshold float64
	CrowdingThreshold        int
	RunningThreshold         int
}

func DefaultSchoolConfig() SchoolConfig {
	return SchoolConfig{
		EnableFaceRecognition:    true,
		EnableDisciplineAlerts:   true,
		FaceConfidenceThreshold:  0.80,
		FightConfidenceThreshold: 0.85,
		CrowdingThreshold:        30,
		RunningThreshold:         5,
	}
}

// Config is the agent configuration: static identity from env and the
// optional YAML tuning file, plus the dynamic section replaced wholesale by
// each cloud sync.
type Config struct {
	mu sync.RWMutex

	APIURL      string
	AgentID     string
	AgentSecret string
	SchoolCode  string
	QueueDBPath string
	LogLevel    string

	Cameras       []Camera
	NVRs          []NVR
	FaceEncodings []FaceEncoding
	School        SchoolConfig

	HeartbeatInterval     time.Duration
	ConfigRefreshInterval time.Duration
	EventSyncInterval     time.Duration
	EventBatchSize        int

	MaxCamerasPerWorker int
	FrameSkipCount      int
	DetectionIntervalMS int
}

// Load builds the configuration from environment variables, overlaying the
// YAML file at path when it exists.
func Load(path string) *Config {
	c := &Config{
		APIURL:      getEnv("PARIKSHAN_API_URL", "https://parikshan.ai"),
		AgentID:     os.Getenv("AGENT_ID"),
		AgentSecret: os.Getenv("AGENT_SECRET"),
		SchoolCode:  os.Getenv("SCHOOL_CODE"),
		QueueDBPath: getEnv("QUEUE_DB_PATH", "/app/data/queue.db"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),

		School: DefaultSchoolConfig(),

		HeartbeatInterval:     30 * time.Second,
		ConfigRefreshInterval: 300 * time.Second,
		EventSyncInterval:     5 * time.Second,
		EventBatchSize:        50,

		MaxCamerasPerWorker: 10,
		FrameSkipCount:      5,
		DetectionIntervalMS: 1000,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := c.loadFile(path); err != nil {
				log.Printf("[Config] Could not load config file %s: %v", path, err)
			}
		}
	}
	return c
}

type fileConfig struct {
	Agent struct {
		ID     string `yaml:"id"`
		Secret string `yaml:"secret"`
	} `yaml:"agent"`
	API struct {
		URL string `yaml:"url"`
	} `yaml:"api"`
	Detection struct {
		Face       *bool `yaml:"face"`
		Discipline *bool `yaml:"discipline"`
	} `yaml:"detection"`
	Thresholds struct {
		Face       *float64 `yaml:"face"`
		Discipline *float64 `yaml:"discipline"`
	} `yaml:"thresholds"`
	Performance struct {
		MaxCamerasPerWorker int `yaml:"max_cameras_per_worker"`
		FrameSkipCount      int `yaml:"frame_skip_count"`
		DetectionIntervalMS int `yaml:"detection_interval_ms"`
	} `yaml:"performance"`
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if fc.Agent.ID != "" {
		c.AgentID = fc.Agent.ID
	}
	if fc.Agent.Secret != "" {
		c.AgentSecret = fc.Agent.Secret
	}
	if fc.API.URL != "" {
		c.APIURL = fc.API.URL
	}
	if fc.Detection.Face != nil {
		c.School.EnableFaceRecognition = *fc.Detection.Face
	}
	if fc.Detection.Discipline != nil {
		c.School.EnableDisciplineAlerts = *fc.Detection.Discipline
	}
	if fc.Thresholds.Face != nil {
		c.School.FaceConfidenceThreshold = *fc.Thresholds.Face
	}
	if fc.Thresholds.Discipline != nil {
		c.School.FightConfidenceThreshold = *fc.Thresholds.Discipline
	}
	if fc.Performance.MaxCamerasPerWorker > 0 {
		c.MaxCamerasPerWorker = fc.Performance.MaxCamerasPerWorker
	}
	if fc.Performance.FrameSkipCount > 0 {
		c.FrameSkipCount = fc.Performance.FrameSkipCount
	}
	if fc.Performance.DetectionIntervalMS > 0 {
		c.DetectionIntervalMS = fc.Performance.DetectionIntervalMS
	}

	log.Printf("[Config] Loaded configuration from %s", path)
	return nil
}

// ReloadTuning re-reads only the performance section of the YAML file.
// Identity and API settings never change mid-run.
func (c *Config) ReloadTuning(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		log.Printf("[Config] Reload skipped, bad yaml: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fc.Performance.MaxCamerasPerWorker > 0 {
		c.MaxCamerasPerWorker = fc.Performance.MaxCamerasPerWorker
	}
	if fc.Performance.FrameSkipCount > 0 {
		c.FrameSkipCount = fc.Performance.FrameSkipCount
	}
	if fc.Performance.DetectionIntervalMS > 0 {
		c.DetectionIntervalMS = fc.Performance.DetectionIntervalMS
	}
}

// UpdateFromCloud replaces the dynamic section with the synced document.
// Applying the same document twice yields an identical configuration.
func (c *Config) UpdateFromCloud(doc *Document) {
	if doc == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if doc.NVRs != nil {
		c.NVRs = make([]NVR, 0, len(doc.NVRs))
		for _, n := range doc.NVRs {
			nvr := NVR{
				ID:            n.ID,
				Name:          n.Name,
				IPAddress:     n.IPAddress,
				Port:          554,
				Username:      n.Username,
				Password:      n.Password,
				RTSPTemplate:  n.RTSPTemplate,
				TotalChannels: 16,
			}
			if n.Port > 0 {
				nvr.Port = n.Port
			}
			if n.TotalChannels > 0 {
				nvr.TotalChannels = n.TotalChannels
			}
			c.NVRs = append(c.NVRs, nvr)
		}
	}

	if doc.Cameras != nil {
		c.Cameras = make([]Camera, 0, len(doc.Cameras))
		for _, cam := range doc.Cameras {
			url := cam.RTSPURL
			if url == "" && cam.NVRID != 0 {
				url = c.buildNVRURL(cam.NVRID, cam.ChannelNumber)
			}
			typ := cam.Type
			if typ == "" {
				typ = "GENERAL"
			}
			enabled := true
			if cam.IsActive != nil {
				enabled = *cam.IsActive
			}
			c.Cameras = append(c.Cameras, Camera{
				ID:       cam.ID,
				Name:     cam.Name,
				RTSPURL:  url,
				Type:     typ,
				Location: cam.Location,
				Enabled:  enabled,
			})
		}
	}

	if doc.FaceEncodings != nil {
		c.FaceEncodings = decodeFaceEncodings(doc.FaceEncodings)
	}

	if doc.School != nil {
		sc := DefaultSchoolConfig()
		if doc.School.EnableFaceRecognition != nil {
			sc.EnableFaceRecognition = *doc.School.EnableFaceRecognition
		}
		if doc.School.EnableDisciplineAlerts != nil {
			sc.EnableDisciplineAlerts = *doc.School.EnableDisciplineAlerts
		}
		if doc.School.AttendanceConfidenceThreshold > 0 {
			sc.FaceConfidenceThreshold = float64(doc.School.AttendanceConfidenceThreshold) / 100
		}
		if doc.School.FightConfidenceThreshold > 0 {
			sc.FightConfidenceThreshold = float64(doc.School.FightConfidenceThreshold) / 100
		}
		if doc.School.CrowdingThreshold > 0 {
			sc.CrowdingThreshold = doc.School.CrowdingThreshold
		}
		if doc.School.RunningThreshold > 0 {
			sc.RunningThreshold = doc.School.RunningThreshold
		}
		c.School = sc
	}
}

// buildNVRURL synthesizes a stream URL from the referenced NVR's template.
// Caller holds c.mu.
func (c *Config) buildNVRURL(nvrID, channel int) string {
	if channel == 0 {
		channel = 1
	}
	for _, n := range c.NVRs {
		if n.ID != nvrID {
			continue
		}
		tmpl := n.RTSPTemplate
		if tmpl == "" {
			tmpl = DefaultNVRTemplate
		}
		r := strings.NewReplacer(
			"{username}", n.Username,
			"{password}", n.Password,
			"{ip}", n.IPAddress,
			"{port}", fmt.Sprintf("%d", n.Port),
			"{channel}", fmt.Sprintf("%d", channel),
		)
		return r.Replace(tmpl)
	}
	return ""
}

// DebugEnabled reports whether LOG_LEVEL asks for debug output. Set at
// load; never changes mid-run.
func (c *Config) DebugEnabled() bool {
	return strings.EqualFold(c.LogLevel, "DEBUG")
}

// ActiveCameras returns enabled cameras that resolved to a stream URL.
func (c *Config) ActiveCameras() []Camera {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Camera, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Enabled && cam.RTSPURL != "" {
			out = append(out, cam)
		}
	}
	return out
}

// Snapshot returns copies of the dynamic section for lock-free use.
func (c *Config) Snapshot() ([]Camera, []FaceEncoding, SchoolConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cams := make([]Camera, len(c.Cameras))
	copy(cams, c.Cameras)
	encs := make([]FaceEncoding, len(c.FaceEncodings))
	copy(encs, c.FaceEncodings)
	return cams, encs, c.School
}

// Tuning returns the frame pacing knobs under the read lock.
func (c *Config) Tuning() (frameSkip int, detectionInterval time.Duration, maxWorkers int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.FrameSkipCount, time.Duration(c.DetectionIntervalMS) * time.Millisecond, c.MaxCamerasPerWorker
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
