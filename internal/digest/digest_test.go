package digest

import (
	"bytes"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	for _, testcase := range []struct {
		input   string
		wantErr bool
	}{
		{input: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{input: "sha256:", wantErr: true},
		{input: "not-a-digest", wantErr: true},
		{input: "md5:d41d8cd98f00b204e9800998ecf8427e", wantErr: true}, // unsupported algorithm
	} {
		_, err := Parse(testcase.input)
		if (err != nil) != testcase.wantErr {
			t.Fatalf("Parse(%q): err = %v, wantErr = %v", testcase.input, err, testcase.wantErr)
		}
	}
}

func TestHasherMatchesHashReader(t *testing.T) {
	content := []byte("hello, registry")

	h, err := NewHasher(SHA256)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	h.Update(content)
	viaHasher := h.Finalize()

	viaReader, err := HashReader(SHA256, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}

	if viaHasher != viaReader {
		t.Fatalf("hasher and HashReader disagree: %s != %s", viaHasher, viaReader)
	}
	if !strings.HasPrefix(viaHasher.String(), "sha256:") {
		t.Fatalf("digest %s missing sha256 prefix", viaHasher)
	}
}

func TestVerify(t *testing.T) {
	d, err := Parse("sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !Verify(d, d) {
		t.Fatalf("Verify(d, d) = false, want true")
	}

	other, err := Parse("sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Verify(d, other) {
		t.Fatalf("Verify(d, other) = true, want false")
	}
}
