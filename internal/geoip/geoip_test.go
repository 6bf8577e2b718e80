package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func testClient(url string) *Client {
	return NewClient(Config{BaseURL: url}, zerolog.Nop())
}

func TestLookup_ResolvesLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/198.51.100.9" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"country":"JP","city":"Tokyo","latitude":35.6762,"longitude":139.6503}`))
	}))
	defer srv.Close()

	loc, err := testClient(srv.URL).Lookup(context.Background(), "198.51.100.9")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc == nil {
		t.Fatal("expected a location")
	}
	if loc.Country != "JP" || loc.City != "Tokyo" {
		t.Errorf("got %+v", loc)
	}
	if loc.Latitude != 35.6762 || loc.Longitude != 139.6503 {
		t.Errorf("coordinates not preserved: %+v", loc)
	}
}

func TestLookup_NotFoundMeansNoAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	loc, err := testClient(srv.URL).Lookup(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc != nil {
		t.Errorf("expected nil location, got %+v", loc)
	}
}

func TestLookup_EmptyCountryTreatedAsNoAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	loc, err := testClient(srv.URL).Lookup(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if loc != nil {
		t.Errorf("expected nil location, got %+v", loc)
	}
}

func TestLookup_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).Lookup(context.Background(), "10.0.0.1"); err == nil {
		t.Error("expected error on 502")
	}
}
