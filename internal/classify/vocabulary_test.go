package classify

import (
	"reflect"
	"testing"
)

func TestVocabularyFilter(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   []string
	}{
		{name: "drops unknown labels", labels: []string{"food", "spaceships", "weather"}, want: []string{"food", "weather"}},
		{name: "normalises and dedups", labels: []string{" Food ", "FOOD", "visa"}, want: []string{"food", "visa"}},
		{name: "all unknown", labels: []string{"nope"}, want: nil},
		{name: "empty", labels: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultVocabulary.Filter(tt.labels)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestVocabularyContains(t *testing.T) {
	if !DefaultVocabulary.Contains("Off-Topic") {
		t.Fatal("expected off-topic to be in vocabulary")
	}
	if DefaultVocabulary.Contains("sports") {
		t.Fatal("did not expect sports in vocabulary")
	}
}
