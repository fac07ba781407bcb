package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestLoginSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/login/", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("apiKey"))
		assert.Equal(t, "secret", r.URL.Query().Get("apiToken"))
		fmt.Fprint(w, `{"result":{"authenticated":true,"accessToken":"tok-123","expiration":"2025-12-31T23:59:59"}}`)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "key", "secret", 5*time.Second)
	err := s.Login(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "tok-123", s.token)
}

func TestLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"authenticated":false}}`)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "key", "wrong", 5*time.Second)
	err := s.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestLoginHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "key", "secret", 5*time.Second)
	err := s.Login(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestGetSetsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "key", "secret", 5*time.Second)
	s.token = "tok-123"

	body, err := s.Get(context.Background(), "/users/", nil)
	assert.NoError(t, err)
	assert.Equal(t, "[]", string(body))
}

func TestGetHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSession(srv.URL, "key", "secret", 5*time.Second)

	_, err := s.Get(context.Background(), "/users/", nil)
	var httpErr *HTTPError
	assert.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}
