package printjob

import (
	"encoding/json"
	"fmt"
	"os"
)

// Parse parses and validates a job file
func Parse(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}

	if err := Validate(&job); err != nil {
		return nil, err
	}

	return &job, nil
}

// ParseFile parses a job file from disk
func ParseFile(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	return Parse(data)
}

// ToJSON converts a Job to JSON bytes
func (j *Job) ToJSON() ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}

// SaveToFile saves a Job to a file
func (j *Job) SaveToFile(path string) error {
	data, err := j.ToJSON()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
