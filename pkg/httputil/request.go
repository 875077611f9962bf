package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ParseJSON decodes the request body into dst
func ParseJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// ParseJSONOrError decodes the request body into dst, writing a 400 response
// and returning false on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := ParseJSON(r, dst); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ParseQueryInt parses an integer query parameter with a default
func ParseQueryInt(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	return defaultValue
}

// ParseQueryBool parses a boolean query parameter with a default
func ParseQueryBool(r *http.Request, name string, defaultValue bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1"
}

// ParsePathInt64 parses an int64 path variable, returning 0 when missing or invalid
func ParsePathInt64(vars map[string]string, name string) int64 {
	if value, ok := vars[name]; ok {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return 0
}
