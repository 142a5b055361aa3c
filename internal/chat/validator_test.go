package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{name: "plain", text: "hello", want: nil},
		{name: "empty", text: "", want: ErrEmptyContent},
		{name: "whitespace only", text: " \n\t", want: ErrEmptyContent},
		{name: "too many bytes", text: strings.Repeat("a", MaxMessageBytes+1), want: ErrInvalidContent},
		{name: "too many chars", text: strings.Repeat("é", MaxTextChars+1), want: ErrInvalidContent},
		{name: "invalid utf8", text: "bad\xff", want: ErrInvalidContent},
		{name: "max chars", text: strings.Repeat("é", MaxTextChars), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
