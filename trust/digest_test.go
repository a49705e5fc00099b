package trust

import "testing"

func TestParseCodeDigest_RoundTrip(t *testing.T) {
	d := DigestContent([]byte("agent layer content"))

	parsed, err := ParseCodeDigest(d.String())
	if err != nil {
		t.Fatalf("ParseCodeDigest: %v", err)
	}
	if parsed != d {
		t.Errorf("round-trip mismatch: %v vs %v", parsed, d)
	}
	if !d.Matches([]byte("agent layer content")) {
		t.Error("expected digest to match its own content")
	}
	if d.Matches([]byte("tampered")) {
		t.Error("expected tampered content to not match")
	}
}

func TestParseCodeDigest_RejectsBadFormat(t *testing.T) {
	for _, s := range []string{
		"not-a-digest",
		"md5:abcd",
		"sha256:tooshort",
		"sha256:zz" + DigestContent(nil).Hex[2:],
	} {
		if _, err := ParseCodeDigest(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}

func TestMeasurementDigest_IndependentOfRegisterOrder(t *testing.T) {
	a := MeasurementDigest(map[string][]byte{
		"MRENCLAVE": {0x01, 0x02},
		"MRSIGNER":  {0x03, 0x04},
		"RTMR0":     {0x05},
	})
	b := MeasurementDigest(map[string][]byte{
		"RTMR0":     {0x05},
		"MRSIGNER":  {0x03, 0x04},
		"MRENCLAVE": {0x01, 0x02},
	})
	if a != b {
		t.Errorf("expected register order to not matter, got %v vs %v", a, b)
	}

	c := MeasurementDigest(map[string][]byte{
		"MRENCLAVE": {0x01, 0x02},
		"MRSIGNER":  {0x03, 0x05},
		"RTMR0":     {0x05},
	})
	if a == c {
		t.Error("expected a changed register value to change the digest")
	}
}
