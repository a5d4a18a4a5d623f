package textproc

import (
	"reflect"
	"strings"
	"testing"
)

const judgment = "The appellant was charged under Section 420 [3].  The trial court\nconvicted him in 2011.\tThe High Court affirmed the conviction. " +
	"On appeal the accused argued that the evidence in para 14 was hearsay and inadmissible under the Evidence Act. " +
	"The court rejected this submission. The appeal is dismissed."

func TestNormalizeCollapsesWhitespace(t *testing.T) {
	raw := "  Section\t302  IPC\n\n[12]  applies\x00here "
	got := Normalize(raw)
	want := "Section 302 IPC [12] applies here"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeKeepsCitationMarkers(t *testing.T) {
	raw := "See (2019) 3 SCC 1, § 4(a) and [Ref-7]."
	if got := Normalize(raw); got != raw {
		t.Fatalf("Normalize() = %q, want unchanged", got)
	}
}

func TestNormalizeKeepsWordsApartAcrossInvalidBytes(t *testing.T) {
	if got := Normalize("tenant\xffpays\xfe\xfdrent"); got != "tenant pays rent" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("First one. Second one. Third one.")
	want := []string{"First one.", "Second one.", "Third one."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitSentences() = %#v, want %#v", got, want)
	}
	if SplitSentences("   ") != nil {
		t.Fatalf("expected nil for blank text")
	}
}

func TestChunkRespectsWordBudget(t *testing.T) {
	text := "One two three. Four five six. Seven eight nine. Ten."
	got := Chunk(text, 6)
	want := []string{"One two three. Four five six.", "Seven eight nine. Ten."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Chunk() = %#v, want %#v", got, want)
	}
}

func TestChunkKeepsOversizedSentenceWhole(t *testing.T) {
	long := "This sentence has far more words than the tiny budget allows for it"
	text := "Short one. " + long + ". Tail."
	got := Chunk(text, 3)
	want := []string{"Short one.", long + ".", "Tail."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Chunk() = %#v, want %#v", got, want)
	}
}

func TestChunkEmitsFinalPartialSegment(t *testing.T) {
	got := Chunk("Only sentence here", 100)
	if len(got) != 1 || got[0] != "Only sentence here" {
		t.Fatalf("Chunk() = %#v", got)
	}
	if Chunk("", 10) != nil {
		t.Fatalf("expected no chunks for empty text")
	}
}

func TestChunkIsLossless(t *testing.T) {
	normalized := Normalize(judgment)
	for _, budget := range []int{1, 5, 12, 40, 1000} {
		chunks := Chunk(normalized, budget)
		var resplit []string
		for _, c := range chunks {
			resplit = append(resplit, SplitSentences(c)...)
		}
		if want := SplitSentences(normalized); !reflect.DeepEqual(resplit, want) {
			t.Fatalf("budget %d: sentences differ\n got %#v\nwant %#v", budget, resplit, want)
		}
		if strings.Join(chunks, " ") != normalized {
			t.Fatalf("budget %d: joined chunks differ from input", budget)
		}
	}
}

func TestChunkIsIdempotent(t *testing.T) {
	normalized := Normalize(judgment)
	first := Chunk(normalized, 10)
	second := Chunk(normalized, 10)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("chunking not stable")
	}
}

func TestChunkDefaultBudget(t *testing.T) {
	words := strings.Repeat("word ", DefaultMaxTokens+10)
	text := strings.TrimSpace(words) + ". next sentence."
	got := Chunk(text, 0)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks with default budget, got %d", len(got))
	}
}
