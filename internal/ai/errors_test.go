package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/bosocmputer/doc_recon_gemini/internal/logging"
)

func nopLogger() *slog.Logger {
	return logging.NewNop()
}

func TestClassifyCallErrorByStatusCode(t *testing.T) {
	cases := []struct {
		code          int
		wantTransient bool
		wantCategory  string
	}{
		{429, true, "rate_limit"},
		{500, true, "server_error"},
		{502, true, "server_error"},
		{503, true, "server_error"},
		{400, false, "bad_request"},
		{401, false, "unauthorized"},
		{403, false, "forbidden"},
		{413, false, "payload_too_large"},
	}

	for _, tc := range cases {
		err := classifyCallError(&googleapi.Error{Code: tc.code, Message: "x"})
		if err.Transient() != tc.wantTransient {
			t.Errorf("status %d: transient = %v, want %v", tc.code, err.Transient(), tc.wantTransient)
		}
		if err.Category != tc.wantCategory {
			t.Errorf("status %d: category = %q, want %q", tc.code, err.Category, tc.wantCategory)
		}
	}
}

func TestClassifyCallErrorContextAndMessages(t *testing.T) {
	if err := classifyCallError(context.DeadlineExceeded); !err.Transient() {
		t.Error("deadline exceeded must be transient")
	}
	if err := classifyCallError(context.Canceled); err.Transient() {
		t.Error("cancellation must be permanent")
	}
	if err := classifyCallError(errors.New("tcp connection reset")); !err.Transient() {
		t.Error("connection errors must be transient")
	}
	if err := classifyCallError(errors.New("daily quota exceeded")); err.Transient() {
		t.Error("quota exhaustion must be permanent")
	}
}

func TestClassifyCallErrorUnwrapsWrappedAPIError(t *testing.T) {
	wrapped := fmt.Errorf("call failed: %w", &googleapi.Error{Code: 429})
	if err := classifyCallError(wrapped); !err.Transient() {
		t.Error("wrapped 429 must still classify transient")
	}
}

func TestIsTransientOnWrappedErrors(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", transientError("rate_limit", errors.New("429")))
	if !IsTransient(err) {
		t.Error("wrapped transient error not detected")
	}
	if IsTransient(errors.New("plain error")) {
		t.Error("unclassified error must count as permanent")
	}
}

func TestParseExtractionJSON(t *testing.T) {
	payload := "```json\n{\"identifier\": \"ACME-001\", \"amount\": \"120.50\", \"date\": \"01/02/2026\", \"raw_text\": \"ACME-001\\ntotal 120.50\"}\n```"
	result, err := parseExtractionJSON(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identifier != "ACME-001" || result.Amount != "120.50" {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.RawResponse == "" {
		t.Error("raw response not preserved")
	}
}

func TestParseExtractionJSONRepairsLiteralNewlines(t *testing.T) {
	payload := "{\"identifier\": \"ACME-001\", \"raw_text\": \"line one\nline two\"}"
	result, err := parseExtractionJSON(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RawText != "line one\nline two" {
		t.Errorf("raw text = %q", result.RawText)
	}
}

func TestParseExtractionJSONMalformedIsPermanent(t *testing.T) {
	_, err := parseExtractionJSON("{not json")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Error("malformed payload must be permanent")
	}
}

func TestParseExtractionJSONMissingIdentifierIsPermanent(t *testing.T) {
	_, err := parseExtractionJSON(`{"identifier": "  ", "raw_text": "something"}`)
	if err == nil {
		t.Fatal("expected error for blank identifier")
	}
	if IsTransient(err) {
		t.Error("missing identifier must be permanent")
	}
}

func TestSecondaryFieldsOmitEmpties(t *testing.T) {
	result := &ExtractionResult{Amount: "99.00", Date: "  "}
	fields := result.SecondaryFields("total", "doc_date")
	if len(fields) != 1 {
		t.Fatalf("fields = %v, want only amount", fields)
	}
	if fields["total"] != "99.00" {
		t.Errorf("amount field = %q", fields["total"])
	}
}
