package mockserver

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario scripts one artifact on the mock backend.
type Scenario struct {
	ArtifactID string `yaml:"artifact_id"`
	UserID     string `yaml:"user_id"`
	WorkerID   string `yaml:"worker_id"`

	// Status is what the status endpoint reports before anything happens.
	Status string `yaml:"status"`
	// StatusAfterStart replaces a queued status once generate is called.
	// Defaults to processing.
	StatusAfterStart string `yaml:"status_after_start"`
	Error            string `yaml:"error"`

	Title       string `yaml:"title"`
	TotalSlides int    `yaml:"total_slides"`

	// History holds fragments already produced before the first stream
	// connection. Frames played on the stream are appended to it.
	History []Frame `yaml:"history"`
	Stream  []Step  `yaml:"stream"`
	// FollowUp is queued onto the stream when a message is posted.
	FollowUp []Step `yaml:"follow_up"`

	SkipHandshake bool `yaml:"skip_handshake"`
	// DropAfter closes the first stream connection without a close frame
	// after that many frames.
	DropAfter int `yaml:"drop_after"`

	Fail Failures `yaml:"fail"`
}

// Frame is one JSON object sent to the client.
type Frame map[string]any

// Step is a frame plus the pause before it. Raw, when set, is written
// verbatim instead of Frame.
type Step struct {
	Delay time.Duration `yaml:"delay"`
	Frame Frame         `yaml:"frame"`
	Raw   string        `yaml:"raw"`
}

// Failures forces HTTP status codes on individual endpoints. Zero means
// the endpoint behaves normally.
type Failures struct {
	Status  int `yaml:"status"`
	Start   int `yaml:"start"`
	History int `yaml:"history"`
	Message int `yaml:"message"`
	Stream  int `yaml:"stream"`
	// StartTimes limits the Start failure to the first n calls when > 0.
	StartTimes int `yaml:"start_times"`
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// ParseScenarios reads either a single scenario document or a
// `scenarios:` list.
func ParseScenarios(data []byte) ([]Scenario, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("scenario file is empty")
	}

	var file scenarioFile
	if err := yaml.Unmarshal(trimmed, &file); err == nil && len(file.Scenarios) > 0 {
		return validateScenarios(file.Scenarios)
	}

	var single Scenario
	if err := yaml.Unmarshal(trimmed, &single); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	return validateScenarios([]Scenario{single})
}

// LoadScenarios reads scenarios from a YAML file on disk.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenarios(data)
}

func validateScenarios(list []Scenario) ([]Scenario, error) {
	seen := make(map[string]struct{}, len(list))
	for i := range list {
		id := strings.TrimSpace(list[i].ArtifactID)
		if id == "" {
			return nil, fmt.Errorf("scenario %d: artifact_id is required", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("scenario %d: duplicate artifact_id %q", i, id)
		}
		seen[id] = struct{}{}
		list[i].ArtifactID = id
		if list[i].Status == "" {
			list[i].Status = "queued"
		}
	}
	return list, nil
}
