package segment_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/chandaliar/internal/segment"
)

// collect reads every chunk until the channel closes.
func collect(t *testing.T, s *segment.Segmenter) []string {
	t.Helper()
	var got []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return got
			}
			got = append(got, c)
		case <-timeout:
			t.Fatalf("chunks not closed; got %q so far", got)
		}
	}
}

func feedChars(s *segment.Segmenter, text string) {
	for _, r := range text {
		s.Append(string(r))
	}
	s.Complete()
}

func TestSegmenter_CharByChar(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		marker segment.Marker
		input  string
		want   []string
	}{
		{"punctuation sentences", segment.Punctuation, "Hello, how are you? Can I help?", []string{"Hello, how are you?", "Can I help?"}},
		{"interactive sentences", segment.Interactive, "Hello, how are you? Can I help?", []string{"Hello, how are you?", "Can I help?"}},
		{"interactive abbreviation", segment.Interactive, "z.B. sollte", []string{"z.B. sollte"}},
		{"punctuation no split", segment.Punctuation, "hello world", []string{"hello world"}},
		{"interactive no split", segment.Interactive, "hello world", []string{"hello world"}},
		{"interactive newline", segment.Interactive, "erste Zeile\nzweite Zeile", []string{"erste Zeile", "zweite Zeile"}},
		{"interactive umlaut", segment.Interactive, "Schön. Grüß dich", []string{"Schön.", "Grüß dich"}},
		{"punctuation full stop", segment.Punctuation, "Ja. Nein", []string{"Ja.", "Nein"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := segment.New(segment.WithMarker(tc.marker))
			go feedChars(s, tc.input)
			if got := collect(t, s); !slices.Equal(got, tc.want) {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSegmenter_OneSplitPerAppend(t *testing.T) {
	t.Parallel()
	s := segment.New()
	s.Append("Eins? Zwei? Drei")
	if got, want := s.Text(), " Drei"; got != want {
		t.Errorf("Text: got %q, want %q", got, want)
	}
	s.Complete()
	want := []string{"Eins? Zwei?", "Drei"}
	if got := collect(t, s); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSegmenter_CandidateOrder(t *testing.T) {
	t.Parallel()
	// "?" wins over a later "!".
	s := segment.New()
	s.Append("Wirklich? Ja! Gut")
	s.Complete()
	want := []string{"Wirklich?", "Ja! Gut"}
	if got := collect(t, s); !slices.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSegmenter_UpdateDoesNotSplit(t *testing.T) {
	t.Parallel()
	s := segment.New()
	s.Update("Hallo? Welt")
	if got := s.Text(); got != "Hallo? Welt" {
		t.Errorf("Text: got %q", got)
	}
	select {
	case v := <-s.Live():
		if v != "Hallo? Welt" {
			t.Errorf("Live: got %q", v)
		}
	default:
		t.Error("Live has no value after Update")
	}
	s.Complete()
	if got := collect(t, s); !slices.Equal(got, []string{"Hallo? Welt"}) {
		t.Errorf("got %q", got)
	}
}

func TestSegmenter_LiveKeepsLatest(t *testing.T) {
	t.Parallel()
	s := segment.New()
	s.Append("a")
	s.Append("b")
	s.Append("c")
	if got := <-s.Live(); got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
	s.Complete()
	if _, ok := <-s.Live(); ok {
		t.Error("Live not closed after Complete")
	}
}

func TestSegmenter_EmptyCases(t *testing.T) {
	t.Parallel()
	s := segment.New()
	s.Append("")
	s.Append("   ")
	s.Complete()
	if got := collect(t, s); len(got) != 0 {
		t.Errorf("got %q, want no chunks", got)
	}
}

func TestSegmenter_CompleteIdempotent(t *testing.T) {
	t.Parallel()
	s := segment.New()
	s.Append("rest")
	s.Complete()
	s.Complete()
	s.Append("ignored. ")
	s.Update("ignored too")
	if got := collect(t, s); !slices.Equal(got, []string{"rest"}) {
		t.Errorf("got %q", got)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestSegmenter_InitialLatency(t *testing.T) {
	t.Parallel()
	s := segment.New()
	if _, ok := s.InitialLatency(); ok {
		t.Error("latency reported before it was set")
	}
	s.SetInitialLatency(120 * time.Millisecond)
	if d, ok := s.InitialLatency(); !ok || d != 120*time.Millisecond {
		t.Errorf("got %v %v", d, ok)
	}
	s.Complete()
}

func TestSegmenter_ProducerNotBlockedByReader(t *testing.T) {
	t.Parallel()
	s := segment.New()
	for range 100 {
		s.Append("x? ")
	}
	s.Complete()
	if got := collect(t, s); len(got) != 100 {
		t.Errorf("got %d chunks, want 100", len(got))
	}
}
