package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusOK, map[string]string{"hello": "world"})

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Error("Expected success=true for 200")
	}
	if env.Error != nil {
		t.Errorf("Expected no error, got %+v", env.Error)
	}

	var data map[string]string
	decodeData(t, env, &data)
	if data["hello"] != "world" {
		t.Errorf("Expected data payload, got %v", data)
	}
}

func TestJSONWithMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONWithMeta(rec, http.StatusOK, []int{1, 2, 3}, &Meta{Total: 42, Limit: 3})

	env := decodeEnvelope(t, rec)
	if env.Meta == nil {
		t.Fatal("Expected meta in response")
	}
	if env.Meta.Total != 42 {
		t.Errorf("Expected total 42, got %d", env.Meta.Total)
	}
	if env.Meta.Limit != 3 {
		t.Errorf("Expected limit 3, got %d", env.Meta.Limit)
	}
}

func TestErrorHelpers(t *testing.T) {
	cases := []struct {
		name       string
		fn         func(w http.ResponseWriter, message string)
		wantStatus int
		wantCode   string
	}{
		{"bad request", BadRequest, http.StatusBadRequest, "BAD_REQUEST"},
		{"not found", NotFound, http.StatusNotFound, "NOT_FOUND"},
		{"internal", InternalError, http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"unauthorized", Unauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.fn(rec, "boom")

			if rec.Code != tc.wantStatus {
				t.Errorf("Expected status %d, got %d", tc.wantStatus, rec.Code)
			}

			env := decodeEnvelope(t, rec)
			if env.Success {
				t.Error("Expected success=false")
			}
			if env.Error == nil {
				t.Fatal("Expected error info")
			}
			if env.Error.Code != tc.wantCode {
				t.Errorf("Expected code %s, got %s", tc.wantCode, env.Error.Code)
			}
			if env.Error.Message != "boom" {
				t.Errorf("Expected message 'boom', got %s", env.Error.Message)
			}
		})
	}
}

func TestValidationErrorResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationErrorResponse(rec, ValidationErrors{
		{Field: "address", Message: "camera address is required"},
		{Field: "port", Message: "port must be between 1 and 65535"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}

	env := decodeEnvelope(t, rec)
	if env.Error == nil {
		t.Fatal("Expected error info")
	}
	if env.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected VALIDATION_ERROR, got %s", env.Error.Code)
	}
	if len(env.Error.Details) != 2 {
		t.Fatalf("Expected 2 details, got %d", len(env.Error.Details))
	}
	if env.Error.Details[0].Field != "address" {
		t.Errorf("Expected first detail on address, got %s", env.Error.Details[0].Field)
	}
}
