package invite

import "testing"

func TestNewCodeShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		code := NewCode()
		if len(code) != CodeLength {
			t.Fatalf("NewCode() length = %d, want %d", len(code), CodeLength)
		}
		for j := 0; j < len(code); j++ {
			found := false
			for k := 0; k < len(codeAlphabet); k++ {
				if code[j] == codeAlphabet[k] {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("NewCode() = %q contains %q outside the alphabet", code, code[j])
			}
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 100 {
		t.Errorf("NewCode() produced %d distinct codes out of 100", len(seen))
	}
}
