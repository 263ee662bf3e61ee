package filter

import (
	"testing"
)

func TestFilter_Allows_IncludeMode(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"Subject: Test"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Test Message\nFrom: sender@example.com\n")
	body := "This is the message body"

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (header matches)")
	}

	headerNoMatch := []byte("Subject: Other\nFrom: sender@example.com\n")
	if f.Allows(headerNoMatch, body) {
		t.Error("Expected message to be filtered out (header doesn't match)")
	}
}

func TestFilter_Allows_ExcludeMode(t *testing.T) {
	opts := Options{
		ExcludeHeader: []string{"spam"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Normal Message\nFrom: sender@example.com\n")
	body := "This is the message body"

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed (no spam)")
	}

	headerSpam := []byte("Subject: This is spam\nFrom: spammer@example.com\n")
	if f.Allows(headerSpam, body) {
		t.Error("Expected message to be filtered out (contains spam)")
	}
}

func TestFilter_MutuallyExclusive(t *testing.T) {
	opts := Options{
		IncludeHeader: []string{"test"},
		ExcludeHeader: []string{"spam"},
	}
	_, err := New(opts)
	if err == nil {
		t.Error("Expected error when both include and exclude are specified")
	}
}

func TestFilter_NoFilters(t *testing.T) {
	opts := Options{}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Any Message\n")
	body := "Any body content"

	if !f.Allows(header, body) {
		t.Error("Expected message to be allowed when no filters are active")
	}
}

func TestFilter_BodyFiltering(t *testing.T) {
	opts := Options{
		IncludeBody: []string{"important"},
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Message\n")
	bodyMatch := "This is an important message"
	bodyNoMatch := "This is a regular message"

	if !f.Allows(header, bodyMatch) {
		t.Error("Expected message to be allowed (body matches)")
	}

	if f.Allows(header, bodyNoMatch) {
		t.Error("Expected message to be filtered out (body doesn't match)")
	}
}

func TestFilter_BodyMatchesDecodedText(t *testing.T) {
	f, err := New(Options{ExcludeBody: []string{`unsubscribe here`}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := []byte("Subject: Newsletter\n")
	if f.Allows(header, "Click to unsubscribe here") {
		t.Error("Expected decoded body match to exclude the message")
	}
	if !f.Allows(header, "Booking confirmed for Tuesday") {
		t.Error("Expected message without match to be allowed")
	}
}

func TestFilter_Stats(t *testing.T) {
	f, err := New(Options{IncludeHeader: []string{"Subject: Lead", "From: .*@crm"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	f.Allows([]byte("Subject: Lead A\nFrom: a@crm.example"), "")
	f.Allows([]byte("Subject: Lead B\nFrom: b@other.example"), "")
	f.Allows([]byte("Subject: Other\n"), "")

	stats := f.Stats()
	if len(stats.IncludeHeaderPatterns) != 2 {
		t.Fatalf("IncludeHeaderPatterns = %v, want 2 entries", stats.IncludeHeaderPatterns)
	}
	if got := stats.IncludeHeaderHits["Subject: Lead"]; got != 2 {
		t.Errorf("Subject hits = %d, want 2", got)
	}
	if got := stats.IncludeHeaderHits["From: .*@crm"]; got != 1 {
		t.Errorf("From hits = %d, want 1", got)
	}
	if len(stats.ExcludeBodyPatterns) != 0 {
		t.Errorf("ExcludeBodyPatterns = %v, want none", stats.ExcludeBodyPatterns)
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{IncludeBody: []string{"("}}); err == nil {
		t.Error("Expected error for invalid regex")
	}
}

func TestFilter_Active(t *testing.T) {
	f, err := New(Options{IncludeBody: []string{"  "}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if f.Active() {
		t.Error("Expected blank patterns to be ignored")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}
