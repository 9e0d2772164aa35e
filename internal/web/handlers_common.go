package web

// This file contains shared request parsing helpers used across handlers.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

// parseBoolParam parses a boolean query parameter with a default value.
func parseBoolParam(r *http.Request, name string, defaultVal bool) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(name))
	if err != nil {
		return defaultVal
	}
	return b
}

// parseDurationParam accepts Go durations ("72h") and whole days ("30d").
func parseDurationParam(r *http.Request, name string) (time.Duration, error) {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(val, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid %s %q", name, val)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, val)
	}
	return d, nil
}

// decodeJSON decodes a bounded JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// urlParam returns a trimmed chi URL parameter.
func urlParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
