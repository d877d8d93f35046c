package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/coordkv/coordstore/utils/log"
)

const (
	defaultSegmentSize       = 32 * 1024 * 1024
	defaultMinorThreshold    = 0.5
	defaultMajorIntervalSecs = 3600
)

type Config struct {
	RootDirectory            string
	ListenPort               string
	SegmentSize              int64
	FlushOnCommit            bool
	CompactionMinorThreshold float64
	CompactionMajorInterval  time.Duration
	StopGracePeriod          time.Duration
	StreamEnabled            bool
	StartTime                time.Time
}

// ParseConfig loads the server configuration from YAML data.
func ParseConfig(data []byte) (*Config, error) {
	var (
		m   Config
		err error
		aux struct {
			RootDirectory            string `yaml:"root_directory"`
			ListenPort               string `yaml:"listen_port"`
			LogLevel                 string `yaml:"log_level"`
			SegmentSize              int64  `yaml:"segment_size"`
			FlushOnCommit            string `yaml:"flush_on_commit"`
			CompactionMinorThreshold string `yaml:"compaction_minor_threshold"`
			CompactionMajorInterval  int    `yaml:"compaction_major_interval"`
			StopGracePeriod          int    `yaml:"stop_grace_period"`
			StreamEnabled            string `yaml:"stream_enabled"`
		}
	)

	if err = yaml.Unmarshal(data, &aux); err != nil {
		return nil, err
	}

	if aux.RootDirectory == "" {
		return nil, errors.New("invalid root directory")
	}

	if aux.ListenPort == "" {
		return nil, errors.New("invalid listen port")
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			fallthrough
		default:
			log.SetLevel(log.INFO)
		}
	}

	if aux.SegmentSize == 0 {
		m.SegmentSize = defaultSegmentSize
	} else {
		m.SegmentSize = aux.SegmentSize
	}

	m.FlushOnCommit = true
	if aux.FlushOnCommit != "" {
		flushOnCommit, err := strconv.ParseBool(aux.FlushOnCommit)
		if err != nil {
			log.Error("invalid value: %v for flush_on_commit. Flushing on commit...", aux.FlushOnCommit)
		} else {
			m.FlushOnCommit = flushOnCommit
		}
	}

	m.CompactionMinorThreshold = defaultMinorThreshold
	if aux.CompactionMinorThreshold != "" {
		ratio, err := strconv.ParseFloat(aux.CompactionMinorThreshold, 64)
		switch {
		case err != nil:
			log.Error("invalid value: %v for compaction_minor_threshold. Using default...",
				aux.CompactionMinorThreshold)
		case ratio <= 0 || ratio > 1:
			log.Error("compaction_minor_threshold must be in (0, 1], got %v. Using default...", ratio)
		default:
			m.CompactionMinorThreshold = ratio
		}
	}

	if aux.CompactionMajorInterval == 0 {
		m.CompactionMajorInterval = defaultMajorIntervalSecs * time.Second
	} else {
		m.CompactionMajorInterval = time.Duration(aux.CompactionMajorInterval) * time.Second
	}

	if aux.StopGracePeriod > 0 {
		m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}

	m.StreamEnabled = true
	if aux.StreamEnabled != "" {
		streamEnabled, err := strconv.ParseBool(aux.StreamEnabled)
		if err != nil {
			log.Error("invalid value: %v for stream_enabled. Enabling stream...", aux.StreamEnabled)
		} else {
			m.StreamEnabled = streamEnabled
		}
	}

	m.RootDirectory = aux.RootDirectory
	m.ListenPort = fmt.Sprintf(":%v", aux.ListenPort)

	return &m, err
}
