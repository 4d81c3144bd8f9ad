package telemetry

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseErrorType(t *testing.T) {
	tests := []struct {
		name     string
		errMsg   string
		expected string
	}{
		{
			name:     "nil pointer dereference",
			errMsg:   "runtime error: invalid memory address or nil pointer dereference",
			expected: "Nil Pointer Dereference",
		},
		{
			name:     "index out of range",
			errMsg:   "runtime error: index out of range [5] with length 3",
			expected: "Index Out of Range",
		},
		{
			name:     "integer divide by zero",
			errMsg:   "runtime error: integer divide by zero",
			expected: "Integer Divide by Zero",
		},
		{
			name:     "concurrent map read and write",
			errMsg:   "fatal error: concurrent map read and map write",
			expected: "Concurrent Map Access",
		},
		{
			name:     "interface conversion with nil",
			errMsg:   "interface conversion: interface {} is nil, not string",
			expected: "Interface Conversion: Nil Value",
		},
		{
			name:     "panic message",
			errMsg:   "panic: model roster is empty",
			expected: "Panic: model roster is empty",
		},
		{
			name:     "plain short error",
			errMsg:   "connection refused",
			expected: "connection refused",
		},
		{
			name:     "long error truncated",
			errMsg:   strings.Repeat("x", 70),
			expected: strings.Repeat("x", 60) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseErrorType(tt.errMsg)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		component string
		expected  string
	}{
		{
			name:      "component prefix added",
			err:       errors.New("connection refused"),
			component: "datastore",
			expected:  "Datastore: connection refused",
		},
		{
			name:      "unknown component omitted",
			err:       errors.New("connection refused"),
			component: "unknown",
			expected:  "connection refused",
		},
		{
			name:      "empty component omitted",
			err:       errors.New("connection refused"),
			component: "",
			expected:  "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := generateErrorTitle(tt.err, tt.component)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestTitleCaseComponent(t *testing.T) {
	tests := []struct {
		component string
		expected  string
	}{
		{"datastore", "Datastore"},
		{"jobqueue", "Jobqueue"},
		{"mqtt", "MQTT"},
		{"api", "API"},
		{"pdf_report", "PDF Report"},
		{"image_processing", "Image Processing"},
	}

	for _, tt := range tests {
		t.Run(tt.component, func(t *testing.T) {
			result := titleCaseComponent(tt.component)
			assert.Equal(t, tt.expected, result)
		})
	}
}
