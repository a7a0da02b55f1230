package ring_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio/ring"
)

// ramp returns n samples counting up from start, one unit per sample.
func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(start + i)
	}
	return out
}

func constant(v float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNew_Capacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		d        time.Duration
		rate     int
		channels int
		want     int
	}{
		{"3s mono 16k", 3 * time.Second, 16000, 1, 48000},
		{"1s stereo 48k", time.Second, 48000, 2, 96000},
		{"defaults", 0, 0, 0, 48000},
		{"10ms mono 1k", 10 * time.Millisecond, 1000, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := ring.New(tt.d, tt.rate, tt.channels)
			if got := b.Capacity(); got != tt.want {
				t.Errorf("Capacity() = %d, want %d", got, tt.want)
			}
			if b.Len() != 0 || b.IsFull() || b.TotalWritten() != 0 || b.Overruns() != 0 {
				t.Error("new buffer should be empty")
			}
		})
	}
}

func TestWrite_EmptyFrameIsNoop(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 1)
	if err := b.Write(nil); err != nil {
		t.Fatalf("Write(nil) = %v", err)
	}
	if b.TotalWritten() != 0 {
		t.Errorf("TotalWritten() = %d, want 0", b.TotalWritten())
	}
}

func TestWrite_FrameTooLong(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 1) // capacity 10
	if err := b.Write(ramp(0, 4)); err != nil {
		t.Fatal(err)
	}

	err := b.Write(ramp(100, 11))
	if !errors.Is(err, ring.ErrFrameTooLong) {
		t.Fatalf("Write(11 samples) = %v, want ErrFrameTooLong", err)
	}

	got := b.All()
	want := ramp(0, 4)
	if !equal(got, want) {
		t.Errorf("buffer changed after rejected write: %v, want %v", got, want)
	}
	if b.TotalWritten() != 4 {
		t.Errorf("TotalWritten() = %d, want 4", b.TotalWritten())
	}
}

func TestWrite_ExactCapacityFillsWithoutOverrun(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 1)
	if err := b.Write(ramp(0, 10)); err != nil {
		t.Fatal(err)
	}
	if !b.IsFull() {
		t.Error("IsFull() = false after writing capacity samples")
	}
	if b.Overruns() != 0 {
		t.Errorf("Overruns() = %d, want 0", b.Overruns())
	}
	if got := b.All(); !equal(got, ramp(0, 10)) {
		t.Errorf("All() = %v", got)
	}
}

// TestWrite_WrapKeepsNewestInOrder feeds a running counter through the buffer
// in uneven frame sizes and checks after every write that All() is the tail of
// the counter and Overruns() equals the number of writes that crossed the end
// of storage.
func TestWrite_WrapKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	const capacity = 10
	b := ring.New(capacity*time.Millisecond, 1000, 1)

	sizes := []int{3, 4, 5, 10, 1, 7, 9, 2, 2, 6, 10, 10, 8}
	next := 0
	pos := 0
	var crossings uint64

	for i, n := range sizes {
		if err := b.Write(ramp(next, n)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if pos+n > capacity {
			crossings++
		}
		pos = (pos + n) % capacity
		next += n

		wantLen := min(next, capacity)
		want := ramp(next-wantLen, wantLen)
		if got := b.All(); !equal(got, want) {
			t.Fatalf("after write %d (n=%d): All() = %v, want %v", i, n, got, want)
		}
		if got := b.Overruns(); got != crossings {
			t.Fatalf("after write %d: Overruns() = %d, want %d", i, got, crossings)
		}
		if got := b.TotalWritten(); got != uint64(next) {
			t.Fatalf("after write %d: TotalWritten() = %d, want %d", i, got, next)
		}
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()

	// 1 kHz mono: one sample per millisecond.
	b := ring.New(20*time.Millisecond, 1000, 1)

	if got := b.Recent(5 * time.Millisecond); len(got) != 0 {
		t.Errorf("Recent on empty buffer = %v, want empty", got)
	}

	if err := b.Write(ramp(0, 8)); err != nil {
		t.Fatal(err)
	}

	t.Run("shorter than written", func(t *testing.T) {
		if got := b.Recent(3 * time.Millisecond); !equal(got, []float32{5, 6, 7}) {
			t.Errorf("Recent(3ms) = %v", got)
		}
	})
	t.Run("longer than written returns all", func(t *testing.T) {
		if got := b.Recent(50 * time.Millisecond); !equal(got, ramp(0, 8)) {
			t.Errorf("Recent(50ms) = %v", got)
		}
	})
	t.Run("zero duration", func(t *testing.T) {
		if got := b.Recent(0); len(got) != 0 {
			t.Errorf("Recent(0) = %v, want empty", got)
		}
	})

	// Wrap and read a window that straddles the boundary.
	if err := b.Write(ramp(8, 17)); err != nil {
		t.Fatal(err)
	}
	t.Run("across wrap", func(t *testing.T) {
		if got := b.Recent(10 * time.Millisecond); !equal(got, ramp(15, 10)) {
			t.Errorf("Recent(10ms) = %v, want %v", got, ramp(15, 10))
		}
	})
}

func TestRecent_StereoCountsChannels(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 2) // 20 samples
	if err := b.Write(ramp(0, 20)); err != nil {
		t.Fatal(err)
	}
	if got := b.Recent(2 * time.Millisecond); !equal(got, ramp(16, 4)) {
		t.Errorf("Recent(2ms) stereo = %v, want 4 interleaved samples", got)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 1)
	if err := b.Write(ramp(0, 5)); err != nil {
		t.Fatal(err)
	}
	got := b.All()
	got[0] = 999
	if b.All()[0] != 0 {
		t.Error("mutating All() result changed buffer contents")
	}
	recent := b.Recent(2 * time.Millisecond)
	recent[0] = 999
	if b.Recent(2 * time.Millisecond)[0] != 3 {
		t.Error("mutating Recent() result changed buffer contents")
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		fill  []float32
		want  float64
		delta float64
	}{
		{"empty", nil, 0, 0},
		{"silence", constant(0, 100), 0, 0},
		{"quiet", constant(0.01, 100), 0.1, 1e-6},
		{"speech", constant(0.05, 100), 0.5, 1e-6},
		{"loud clamps", constant(0.5, 100), 1, 0},
		{"negative uses magnitude", constant(-0.05, 100), 0.5, 1e-6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := ring.New(100*time.Millisecond, 1000, 1)
			if err := b.Write(tt.fill); err != nil {
				t.Fatal(err)
			}
			got := b.Level(100 * time.Millisecond)
			if got < tt.want-tt.delta || got > tt.want+tt.delta {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
			if got < 0 || got > 1 {
				t.Errorf("Level() = %v out of [0,1]", got)
			}
		})
	}
}

func TestIsSilent(t *testing.T) {
	t.Parallel()
	b := ring.New(100*time.Millisecond, 1000, 1)
	if !b.IsSilent(50*time.Millisecond, 0.05) {
		t.Error("empty buffer should be silent")
	}
	if err := b.Write(constant(0.05, 100)); err != nil {
		t.Fatal(err)
	}
	if b.IsSilent(50*time.Millisecond, 0.05) {
		t.Error("level 0.5 reported silent at threshold 0.05")
	}
	if err := b.Write(constant(0, 50)); err != nil {
		t.Fatal(err)
	}
	if !b.IsSilent(50*time.Millisecond, 0.05) {
		t.Error("trailing 50ms of zeros should be silent")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	b := ring.New(10*time.Millisecond, 1000, 1)
	if err := b.Write(ramp(0, 7)); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(ramp(7, 7)); err != nil {
		t.Fatal(err)
	}
	b.Clear()

	if got := b.All(); len(got) != 0 {
		t.Errorf("All() after Clear = %v", got)
	}
	if got := b.Recent(5 * time.Millisecond); len(got) != 0 {
		t.Errorf("Recent() after Clear = %v", got)
	}
	if b.IsFull() || b.TotalWritten() != 0 || b.Overruns() != 0 {
		t.Errorf("counters not reset: full=%v total=%d overruns=%d",
			b.IsFull(), b.TotalWritten(), b.Overruns())
	}

	// Writes resume from the start of storage.
	if err := b.Write(ramp(50, 3)); err != nil {
		t.Fatal(err)
	}
	if got := b.All(); !equal(got, ramp(50, 3)) {
		t.Errorf("All() after Clear+Write = %v", got)
	}
}

func TestConcurrentWriteAndRead(t *testing.T) {
	t.Parallel()
	b := ring.New(50*time.Millisecond, 16000, 1)

	var wg sync.WaitGroup
	wg.Go(func() {
		for range 200 {
			_ = b.Write(constant(0.1, 160))
		}
	})
	wg.Go(func() {
		for range 200 {
			_ = b.Recent(10 * time.Millisecond)
			_ = b.Level(20 * time.Millisecond)
		}
	})
	wg.Wait()

	if got := b.TotalWritten(); got != 200*160 {
		t.Errorf("TotalWritten() = %d, want %d", got, 200*160)
	}
}

func equal(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
