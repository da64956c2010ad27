package speaker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
)

func TestDiarizeIdentify_PrimarySucceeds(t *testing.T) {
	var hitPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitPath = r.URL.Path
		json.NewEncoder(w).Encode(speaker.DiarizeResult{
			Speakers: []speaker.Speaker{{Label: "speaker_0", Name: "Alice", Confidence: 0.91}},
		})
	}))
	defer srv.Close()

	c := speaker.New(srv.URL)
	result, err := c.DiarizeIdentify(context.Background(), []byte("fake-audio"), "clip.wav", 10*time.Second)
	if err != nil {
		t.Fatalf("DiarizeIdentify: %v", err)
	}
	if hitPath != "/v1/diarize-identify-match" {
		t.Fatalf("expected primary endpoint to be hit, got %q", hitPath)
	}
	if len(result.Speakers) != 1 || result.Speakers[0].Name != "Alice" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDiarizeIdentify_FallsBackOnPrimaryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/diarize-identify-match":
			w.WriteHeader(http.StatusInternalServerError)
		case "/diarize-and-identify":
			json.NewEncoder(w).Encode(speaker.DiarizeResult{
				Speakers: []speaker.Speaker{{Label: "speaker_0"}},
			})
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := speaker.New(srv.URL)
	result, err := c.DiarizeIdentify(context.Background(), []byte("fake-audio"), "clip.wav", 5*time.Second)
	if err != nil {
		t.Fatalf("DiarizeIdentify: %v", err)
	}
	if len(result.Speakers) != 1 {
		t.Fatalf("expected fallback result, got %+v", result)
	}
}

func TestListSpeakers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speakers" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]speaker.EnrolledSpeaker{{ID: "1", Name: "Bob"}})
	}))
	defer srv.Close()

	c := speaker.New(srv.URL)
	speakers, err := c.ListSpeakers(context.Background())
	if err != nil {
		t.Fatalf("ListSpeakers: %v", err)
	}
	if len(speakers) != 1 || speakers[0].Name != "Bob" {
		t.Fatalf("unexpected speakers: %+v", speakers)
	}
}

func TestEnroll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enroll/upload" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := speaker.New(srv.URL)
	if err := c.Enroll(context.Background(), "Carol", []byte("sample"), "carol.wav"); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
}
