package apierror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWrite_FillsRequestIDAndStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, "req_test", &Error{Type: TypeOverloaded, Message: "relay is draining", Code: "draining"})

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error["type"] != "overloaded_error" || env.Error["code"] != "draining" || env.Error["request_id"] != "req_test" {
		t.Fatalf("error=%v", env.Error)
	}
	if _, ok := env.Error["param"]; ok {
		t.Fatalf("empty param should be omitted")
	}
}

func TestWrite_NilIsInternal(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, "", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	cases := map[Type]int{
		TypeInvalidRequest: http.StatusBadRequest,
		TypeAuthentication: http.StatusUnauthorized,
		TypePermission:     http.StatusForbidden,
		TypeNotFound:       http.StatusNotFound,
		TypeOverloaded:     http.StatusServiceUnavailable,
		TypeAPI:            http.StatusInternalServerError,
	}
	for typ, want := range cases {
		if got := Status(typ); got != want {
			t.Fatalf("Status(%q)=%d, want %d", typ, got, want)
		}
	}
}
