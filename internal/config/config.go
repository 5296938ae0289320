// Package config loads the jobTree directory's config.xml document
// (spec §6). Unlike the rest of the repo, which follows the teacher's
// JSON/YAML conventions, this one file is bound to the XML wire format
// the specification names explicitly — see DESIGN.md for why that is
// not a judgment call between libraries.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
)

// Config mirrors the attributes of the <config> root element of
// config.xml, plus the defaults applied for anything absent.
type Config struct {
	XMLName xml.Name `xml:"config"`

	JobFileDir      string `xml:"job_file_dir,attr"`
	LogFileDir      string `xml:"log_file_dir,attr"`
	SlaveLogFileDir string `xml:"slave_log_file_dir,attr"`
	TempDirDir      string `xml:"temp_dir_dir,attr"`
	EnvironmentFile string `xml:"environment_file,attr"`

	JobTime              float64 `xml:"job_time,attr"`
	MaxJobDuration       float64 `xml:"max_job_duration,attr"`
	RescueJobsFrequency  float64 `xml:"rescue_jobs_frequency,attr"`
	MaxJobs              int     `xml:"max_jobs,attr"`
	RetryCount           int     `xml:"retry_count,attr"`
	DefaultMemory        int64   `xml:"default_memory,attr"`
	DefaultCPU           int64   `xml:"default_cpu,attr"`
	MaxLogFileSize       int64   `xml:"max_log_file_size,attr"`
	LogLevel             string  `xml:"log_level,attr"`
	ReportAllJobLogFiles int     `xml:"reportAllJobLogFiles,attr"`
	Stats                string  `xml:"stats,attr,omitempty"`
}

// Defaults returns a Config with every attribute set to the value the
// original implementation treats as a sane default, so callers can
// load a partial config.xml and still get a runnable system.
func Defaults() Config {
	return Config{
		JobFileDir:          "jobs",
		LogFileDir:          "logs",
		SlaveLogFileDir:     "logs/slave",
		TempDirDir:          "tmp",
		EnvironmentFile:     "environment.pickle",
		JobTime:             30,
		MaxJobDuration:      1e9,
		RescueJobsFrequency: 300,
		MaxJobs:             1000,
		RetryCount:          3,
		DefaultMemory:       2 << 30,
		DefaultCPU:          1,
		MaxLogFileSize:      50_000,
		LogLevel:            "INFO",
	}
}

// Load reads and parses config.xml at path, filling in any attribute
// the file omits with its default.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := cfg
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return parsed, nil
}

// HasStats reports whether stats collection is enabled.
func (c Config) HasStats() bool {
	return c.Stats != ""
}
