package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestFastPathNoTelemetry(t *testing.T) {
	t.Parallel()

	SetTelemetryReporter(nil)
	SetEventPublisher(nil)

	err := fmt.Errorf("test error")
	ee := New(err).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}

	if ee.GetComponent() != "unknown" {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestBuilderPreservesExplicitFields(t *testing.T) {
	t.Parallel()

	ee := Newf("interpreter allocation failed").
		Component("ensemble").
		Category(CategoryModelInit).
		Context("model_name", "densenet121").
		Build()

	if ee.GetComponent() != "ensemble" {
		t.Errorf("Expected component 'ensemble', got '%s'", ee.GetComponent())
	}

	if ee.Category != CategoryModelInit {
		t.Errorf("Expected category 'model-initialization', got '%s'", ee.Category)
	}

	ctx := ee.GetContext()
	if ctx["model_name"] != "densenet121" {
		t.Errorf("Expected model_name context 'densenet121', got '%v'", ctx["model_name"])
	}
}

func TestCategoryDetection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		message  string
		expected ErrorCategory
	}{
		{"model load", "failed to load model from disk", CategoryModelLoad},
		{"model init", "cannot init model interpreter", CategoryModelInit},
		{"label", "label count mismatch", CategoryLabelLoad},
		{"decode", "unable to decode image header", CategoryImageDecode},
		{"database", "database is locked", CategoryDatabase},
		{"network", "connection refused", CategoryNetwork},
		{"not found", "patient not found", CategoryNotFound},
		{"validation", "invalid date of birth", CategoryValidation},
		{"generic", "something odd happened", CategoryGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := detectCategory(fmt.Errorf("%s", tt.message))
			if got != tt.expected {
				t.Errorf("detectCategory(%q) = %s, want %s", tt.message, got, tt.expected)
			}
		})
	}
}

func TestErrorIsMatchesCategory(t *testing.T) {
	t.Parallel()

	ee1 := New(fmt.Errorf("first")).Category(CategoryDatabase).Build()
	ee2 := New(fmt.Errorf("second")).Category(CategoryDatabase).Build()
	ee3 := New(fmt.Errorf("third")).Category(CategoryNetwork).Build()

	if !Is(ee1, ee2) {
		t.Error("Expected errors with same category to match via Is")
	}

	if Is(ee1, ee3) {
		t.Error("Expected errors with different categories not to match")
	}
}

func TestUnwrapPreservesSentinel(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("record missing")
	wrapped := New(fmt.Errorf("lookup: %w", sentinel)).Category(CategoryNotFound).Build()

	if !Is(wrapped, sentinel) {
		t.Error("Expected wrapped sentinel to be found through EnhancedError")
	}
}

func TestScrubMessageForPrivacy(t *testing.T) {
	t.Parallel()

	msg := "failed to read /data/media/xrays/2026/01/scan.png for MRN: 44812 (contact nurse@clinic.example.org)"
	scrubbed := scrubMessageForPrivacy(msg)

	if strings.Contains(scrubbed, "scan.png") {
		t.Errorf("Path not scrubbed: %s", scrubbed)
	}
	if strings.Contains(scrubbed, "44812") {
		t.Errorf("MRN not scrubbed: %s", scrubbed)
	}
	if strings.Contains(scrubbed, "nurse@clinic.example.org") {
		t.Errorf("Email not scrubbed: %s", scrubbed)
	}
	if !strings.Contains(scrubbed, "[PATH]") {
		t.Errorf("Expected [PATH] placeholder, got: %s", scrubbed)
	}
}

func TestFileContextCategorizesWithoutLeakingPath(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("write failed")).
		Category(CategoryFileIO).
		FileContext("/media/xrays/2026/01/patient-scan.png", 4*1024*1024).
		Build()

	ctx := ee.GetContext()

	if ctx["file_extension"] != "png" {
		t.Errorf("Expected file_extension 'png', got '%v'", ctx["file_extension"])
	}
	if ctx["file_size_category"] != "medium" {
		t.Errorf("Expected file_size_category 'medium', got '%v'", ctx["file_size_category"])
	}
	for k := range ctx {
		if strings.Contains(fmt.Sprint(ctx[k]), "patient-scan") {
			t.Errorf("Context key %s leaked the file path", k)
		}
	}
}

func TestFileSizeCategories(t *testing.T) {
	t.Parallel()

	tests := []struct {
		size     int64
		expected string
	}{
		{512, "tiny"},
		{100 * 1024, "small"},
		{8 * 1024 * 1024, "medium"},
		{64 * 1024 * 1024, "large"},
		{512 * 1024 * 1024, "huge"},
	}

	for _, tt := range tests {
		if got := categorizeFileSize(tt.size); got != tt.expected {
			t.Errorf("categorizeFileSize(%d) = %s, want %s", tt.size, got, tt.expected)
		}
	}
}
