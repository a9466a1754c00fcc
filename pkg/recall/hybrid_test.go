package recall

import (
	"testing"
)

func TestReciprocalRankFusion(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]int64
		want  []int64
	}{
		{
			name:  "both legs agree boosts shared ids",
			lists: [][]int64{{10, 20, 30}, {20, 30, 40}},
			want:  []int64{20, 30, 10, 40},
		},
		{
			name:  "single list preserves order",
			lists: [][]int64{{5, 6, 7}},
			want:  []int64{5, 6, 7},
		},
		{
			name:  "equal scores break ties by id",
			lists: [][]int64{{2}, {1}},
			want:  []int64{1, 2},
		},
		{
			name:  "empty input",
			lists: [][]int64{{}, {}},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fused := reciprocalRankFusion(tt.lists, rrfK)
			if len(fused) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(fused), len(tt.want))
			}
			for i, r := range fused {
				if r.messageID != tt.want[i] {
					t.Errorf("position %d: got id %d, want %d", i, r.messageID, tt.want[i])
				}
			}
		})
	}
}

func TestReciprocalRankFusion_SharedIDScoresOnce(t *testing.T) {
	fused := reciprocalRankFusion([][]int64{{1}, {1}}, rrfK)
	if len(fused) != 1 {
		t.Fatalf("got %d results, want 1", len(fused))
	}
	want := 2.0 / 61.0
	if diff := fused[0].score - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("score = %v, want %v", fused[0].score, want)
	}
}

func TestContentHash(t *testing.T) {
	if got := ContentHash("hello"); got != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("ContentHash(hello) = %q", got)
	}
	if ContentHash("a") == ContentHash("b") {
		t.Error("distinct texts produced the same hash")
	}
}
