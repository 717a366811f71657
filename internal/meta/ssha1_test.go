package meta

import "testing"

func TestSSHA1Matches(t *testing.T) {
	stored := "{15ad0621b259a84d24dcd4e75b09004e98a3627bAMbyRHJy"

	if !SSHA1Matches(stored, "test") {
		t.Fatalf("expected match for correct secret")
	}

	if SSHA1Matches(stored, "tset") {
		t.Fatalf("swapped secret must not match")
	}
}

func TestSSHA1Matches_MalformedStored(t *testing.T) {
	if SSHA1Matches("{tooshort", "test") {
		t.Fatalf("truncated stored value must not match")
	}

	if SSHA1Matches("{zz"+"0123456789abcdef0123456789abcdef01234567"+"salt", "test") {
		t.Fatalf("non-hex digest must not match")
	}
}
