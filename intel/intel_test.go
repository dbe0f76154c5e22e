package intel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLookupSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("ip"); got != "203.0.113.7" {
			t.Errorf("unexpected ip param %q", got)
		}
		json.NewEncoder(w).Encode(Report{
			IP:          "203.0.113.7",
			RiskScore:   85,
			Categories:  []string{"botnet"},
			IsTor:       true,
			CountryCode: "NL",
			ASN:         64496,
			ASNName:     "EXAMPLE-AS",
		})
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "test-key", Timeout: time.Second}, zap.NewNop())
	report, err := c.Lookup(context.Background(), "203.0.113.7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.RiskScore != 85 || !report.IsTor || report.CountryCode != "NL" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestLookupNon200IsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "k", Timeout: time.Second}, zap.NewNop())
	report, err := c.Lookup(context.Background(), "203.0.113.7")
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}
}

func TestLookupTimeoutIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "k", Timeout: 20 * time.Millisecond}, zap.NewNop())
	_, err := c.Lookup(context.Background(), "203.0.113.7")
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded on timeout, got %v", err)
	}
}

func TestLookupBadBodyIsDegraded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "k", Timeout: time.Second}, zap.NewNop())
	_, err := c.Lookup(context.Background(), "203.0.113.7")
	if !errors.Is(err, ErrDegraded) {
		t.Fatalf("expected ErrDegraded on malformed body, got %v", err)
	}
}
