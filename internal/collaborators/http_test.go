package collaborators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPValidator_InvalidReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": false, "reason": "missing field x"})
	}))
	defer srv.Close()

	v := NewHTTPValidator(srv.URL)
	err := v.Validate(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing field x")
}

func TestHTTPValidator_ValidReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"valid": true})
	}))
	defer srv.Close()

	v := NewHTTPValidator(srv.URL)
	require.NoError(t, v.Validate(context.Background(), []byte(`{}`)))
}

func TestHTTPQualityChecker_DecodesIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"Field": "age", "Severity": "ERROR", "Description": "out of range"},
		})
	}))
	defer srv.Close()

	c := NewHTTPQualityChecker(srv.URL)
	issues, err := c.Run(context.Background(), []byte(`[]`), []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, issues, 1)
}

func TestHTTPEvaluator_PropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	e := NewHTTPEvaluator(srv.URL)
	_, err := e.Evaluate(context.Background(), []byte(`[]`), []byte(`[]`), []byte(`{}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}
