package video

import (
	"context"
	"testing"
)

func TestParseHWAccels(t *testing.T) {
	out := "Hardware acceleration methods:\nvdpau\ncuda\nvaapi\nqsv\ndrm\n\n"

	methods := parseHWAccels(out)
	expected := []Accel{"vdpau", "cuda", "vaapi", "qsv", "drm"}

	if len(methods) != len(expected) {
		t.Fatalf("Expected %d methods, got %d: %v", len(expected), len(methods), methods)
	}
	for i, m := range methods {
		if m != expected[i] {
			t.Errorf("Expected method %d to be %s, got %s", i, expected[i], m)
		}
	}
}

func TestParseHWAccels_Empty(t *testing.T) {
	methods := parseHWAccels("Hardware acceleration methods:\n")
	if len(methods) != 0 {
		t.Errorf("Expected no methods, got %v", methods)
	}
}

func TestAccelArgs(t *testing.T) {
	tests := []struct {
		accel    Accel
		expected []string
	}{
		{AccelNone, nil},
		{AccelCUDA, []string{"-hwaccel", "cuda"}},
		{AccelVideoToolbox, []string{"-hwaccel", "videotoolbox"}},
		{AccelQSV, []string{"-hwaccel", "qsv"}},
		{AccelVAAPI, []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}},
		{Accel("vdpau"), nil},
	}

	for _, tt := range tests {
		result := AccelArgs(tt.accel)
		if len(result) != len(tt.expected) {
			t.Errorf("Expected %d args for %q, got %v", len(tt.expected), tt.accel, result)
			continue
		}
		for i, v := range result {
			if v != tt.expected[i] {
				t.Errorf("Expected arg %d for %q to be %s, got %s", i, tt.accel, tt.expected[i], v)
			}
		}
	}
}

func TestProbe_DetectCaches(t *testing.T) {
	probe := NewProbe()
	ctx := context.Background()

	first := probe.Detect(ctx)
	if first == nil {
		t.Fatal("Detect returned nil")
	}
	if first.DetectedAt.IsZero() {
		t.Error("DetectedAt should be set")
	}
	if first.Available == nil {
		t.Error("Available should not be nil")
	}

	second := probe.Detect(ctx)
	if first != second {
		t.Error("Detect should return the cached result")
	}
}

func TestProbe_InputArgs(t *testing.T) {
	probe := NewProbe()

	// Whatever the host offers, the args must be internally consistent
	args := probe.InputArgs(context.Background())
	if len(args) > 0 && args[0] != "-hwaccel" {
		t.Errorf("Expected args to start with -hwaccel, got %v", args)
	}
}

func TestDefault(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default returned nil")
	}
	if first != Default() {
		t.Error("Default should return the same instance")
	}
}
