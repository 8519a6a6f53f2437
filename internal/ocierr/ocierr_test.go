package ocierr

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestStatusForKnownAndUnknownCodes(t *testing.T) {
	for _, testcase := range []struct {
		code Code
		want int
	}{
		{code: BlobUnknown, want: 404},
		{code: DigestInvalid, want: 400},
		{code: Unauthorized, want: 401},
		{code: Denied, want: 403},
		{code: RangeInvalid, want: 416},
		{code: Code("SOMETHING_MADE_UP"), want: 500},
	} {
		e := New(testcase.code, "message")
		if got := e.Status(); got != testcase.want {
			t.Fatalf("New(%s).Status() = %d, want %d", testcase.code, got, testcase.want)
		}
	}
}

func TestWriteProducesEnvelopeAndHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, New(ManifestUnknown, "manifest not found").WithDetail("latest"))

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Docker-Distribution-Api-Version"); got != "registry/2.0" {
		t.Fatalf("Docker-Distribution-Api-Version = %q", got)
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(env.Errors) != 1 {
		t.Fatalf("Errors = %v, want exactly one", env.Errors)
	}
	if env.Errors[0].Code != ManifestUnknown {
		t.Fatalf("Errors[0].Code = %s, want %s", env.Errors[0].Code, ManifestUnknown)
	}
	if env.Errors[0].Detail != "latest" {
		t.Fatalf("Errors[0].Detail = %v, want latest", env.Errors[0].Detail)
	}
}

func TestWriteUnknownDefaultsTo500(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteUnknown(rec, errDatabaseDown{})

	if rec.Code != 500 {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

type errDatabaseDown struct{}

func (errDatabaseDown) Error() string { return "database unavailable" }
