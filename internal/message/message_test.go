package message

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	t.Parallel()

	t.Run("trims whitespace", func(t *testing.T) {
		t.Parallel()
		got, err := ValidateContent("  hello  ", 100)
		if err != nil {
			t.Fatalf("ValidateContent() error = %v", err)
		}
		if got != "hello" {
			t.Errorf("ValidateContent() = %q, want %q", got, "hello")
		}
	})

	t.Run("rejects empty after trim", func(t *testing.T) {
		t.Parallel()
		if _, err := ValidateContent("   \n\t ", 100); !errors.Is(err, ErrEmptyContent) {
			t.Errorf("ValidateContent() error = %v, want ErrEmptyContent", err)
		}
	})

	t.Run("rejects over-length content", func(t *testing.T) {
		t.Parallel()
		if _, err := ValidateContent(strings.Repeat("a", 101), 100); !errors.Is(err, ErrContentTooLong) {
			t.Errorf("ValidateContent() error = %v, want ErrContentTooLong", err)
		}
	})

	t.Run("counts runes not bytes", func(t *testing.T) {
		t.Parallel()
		// 100 three-byte runes fit within a 100-rune limit.
		if _, err := ValidateContent(strings.Repeat("世", 100), 100); err != nil {
			t.Errorf("ValidateContent() error = %v, want nil", err)
		}
	})
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want int }{
		{0, DefaultLimit},
		{-3, DefaultLimit},
		{1, 1},
		{50, 50},
		{100, 100},
		{200, MaxLimit},
	}
	for _, tc := range cases {
		if got := ClampLimit(tc.in); got != tc.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCursorValidate(t *testing.T) {
	t.Parallel()

	if err := (Cursor{Before: 1}).Validate(); err != nil {
		t.Errorf("before-only cursor error = %v", err)
	}
	if err := (Cursor{After: 1}).Validate(); err != nil {
		t.Errorf("after-only cursor error = %v", err)
	}
	if err := (Cursor{}).Validate(); err != nil {
		t.Errorf("empty cursor error = %v", err)
	}
	if err := (Cursor{Before: 1, After: 2}).Validate(); !errors.Is(err, ErrMalformedCursor) {
		t.Errorf("both-anchors cursor error = %v, want ErrMalformedCursor", err)
	}
}
