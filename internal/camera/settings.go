// Package camera manages capture source settings
package camera

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind describes how the frame source address is interpreted
type SourceKind string

const (
	// SourceDevice selects a local capture device by index or path
	SourceDevice SourceKind = "device"
	// SourceRTSP connects directly to a camera over RTSP
	SourceRTSP SourceKind = "rtsp"
	// SourceProxiedPath connects to a local restreaming proxy
	SourceProxiedPath SourceKind = "proxied_path"
)

// Valid reports whether k is a known source kind
func (k SourceKind) Valid() bool {
	return k == SourceDevice || k == SourceRTSP || k == SourceProxiedPath
}

// Settings holds one capture source configuration. At most one row is
// active at a time. Passwords never appear in JSON responses.
type Settings struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	SourceKind  SourceKind `json:"source_kind"`
	Address     string     `json:"address"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	Password    string     `json:"-"`
	Channel     int        `json:"channel"`
	Subtype     int        `json:"subtype"`
	LineX       *int       `json:"line_x"`
	DirectionIn string     `json:"direction_in"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// applyDefaults fills zero fields with the service defaults
func (s *Settings) applyDefaults() {
	if s.SourceKind == "" {
		s.SourceKind = SourceRTSP
	}
	if s.DirectionIn == "" {
		s.DirectionIn = "L->R"
	}
	if s.Port == 0 {
		s.Port = 554
	}
	if s.Channel == 0 {
		s.Channel = 1
	}
	if s.Name == "" {
		s.Name = s.Address
	}
}

// SourceURL builds the capture source string for these settings.
// Device sources return the device index or path as-is. Loopback
// addresses go through the restreaming proxy path instead of the
// camera's realmonitor endpoint.
func (s *Settings) SourceURL() string {
	switch s.SourceKind {
	case SourceDevice:
		return s.Address
	case SourceProxiedPath:
		return fmt.Sprintf("rtsp://%s:%d/dahua", s.Address, s.Port)
	}

	if isLoopback(s.Address) {
		return fmt.Sprintf("rtsp://%s:%d/dahua", s.Address, s.Port)
	}

	auth := ""
	if s.Username != "" {
		auth = s.Username + ":" + s.Password + "@"
	}
	return fmt.Sprintf("rtsp://%s%s:%d/cam/realmonitor?channel=%d&subtype=%d",
		auth, s.Address, s.Port, s.Channel, s.Subtype)
}

// MaskedURL returns the source URL with the password hidden, for logging
func (s *Settings) MaskedURL() string {
	url := s.SourceURL()
	if s.Password == "" {
		return url
	}
	return strings.Replace(url, s.Password, "***", 1)
}

func isLoopback(addr string) bool {
	return addr == "localhost" || addr == "127.0.0.1"
}
