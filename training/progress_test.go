package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBarSilentOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Epoch 1/1", 4)
	if pb.Enabled() || IsTerminal(&buf) {
		t.Fatal("buffer reported as a terminal")
	}
	pb.Update(2, map[string]float64{"loss": 0.5, "acc": 75})
	pb.Finish()
	if buf.Len() != 0 {
		t.Errorf("progress bar wrote %q to a non-terminal", buf.String())
	}
	line := pb.Line()
	for _, want := range []string{"Epoch 1/1", "2/4", "acc=75%", "loss=0.5000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q lacks %q", line, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{61 * time.Second, "01:01"},
		{125 * time.Minute, "125:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
		}
	}
}
