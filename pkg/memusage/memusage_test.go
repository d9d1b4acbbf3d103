package memusage

import (
	"os"
	"testing"
)

func TestRatio(t *testing.T) {
	for _, tt := range []struct {
		desc string
		p    Process
		s    System
		want float64
	}{{
		desc: "quarter",
		p:    Process{RSS: 256},
		s:    System{Total: 1024},
		want: 0.25,
	}, {
		desc: "unknown total",
		p:    Process{RSS: 256},
		s:    System{},
		want: 0,
	}} {
		t.Run(tt.desc, func(t *testing.T) {
			if got := Ratio(tt.p, tt.s); got != tt.want {
				t.Errorf("Ratio() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProcReader(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}

	r, err := NewProcReader("")
	if err != nil {
		t.Fatalf("NewProcReader() = %v", err)
	}

	p, err := r.Process()
	if err != nil {
		t.Fatalf("Process() = %v", err)
	}
	if p.RSS == 0 {
		t.Error("RSS = 0, want a positive resident size")
	}

	s, err := r.System()
	if err != nil {
		t.Fatalf("System() = %v", err)
	}
	if s.Total == 0 {
		t.Error("Total = 0")
	}
	if ratio := Ratio(p, s); ratio <= 0 || ratio >= 1 {
		t.Errorf("Ratio() = %v, want within (0, 1)", ratio)
	}
}

func TestNewProcReaderMissingMount(t *testing.T) {
	if _, err := NewProcReader("/nonexistent/proc"); err == nil {
		t.Error("NewProcReader() on a missing mount succeeded")
	}
}
