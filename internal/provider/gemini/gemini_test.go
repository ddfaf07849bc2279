package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/imara/internal/provider"
)

func testClient(url string) *Client {
	c := New("test-key", "gemini-2.0-flash")
	c.baseURL = url
	return c
}

func TestAnalyze_Image(t *testing.T) {
	t.Parallel()

	imgBytes := []byte("fake-png-bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "key=test-key") {
			t.Errorf("query = %q, want api key", r.URL.RawQuery)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || len(req.Contents[0].Parts) != 2 {
			t.Fatalf("unexpected contents shape: %+v", req.Contents)
		}
		data := req.Contents[0].Parts[1].InlineData
		if data == nil {
			t.Fatal("expected inline data part")
		}
		if got, _ := base64.StdEncoding.DecodeString(data.Data); string(got) != string(imgBytes) {
			t.Error("inline data does not round-trip the image bytes")
		}
		if data.MimeType != "image/png" {
			t.Errorf("mime = %q, want image/png", data.MimeType)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"risk_score\":8,\"action\":\"REPORT\",\"summary\":\"doxing\",\"extracted_text\":\"here is her address\"}"}]}}]}`))
	}))
	defer srv.Close()

	raw, err := testClient(srv.URL).Analyze(context.Background(), &provider.Request{
		Modality: provider.ModalityImage,
		Media:    imgBytes,
		MimeType: "image/png",
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	var parsed struct {
		RiskScore     int    `json:"risk_score"`
		ExtractedText string `json:"extracted_text"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if parsed.RiskScore != 8 {
		t.Errorf("risk_score = %d, want 8", parsed.RiskScore)
	}
	if parsed.ExtractedText != "here is her address" {
		t.Errorf("extracted_text = %q", parsed.ExtractedText)
	}
}

func TestAnalyze_StripsCodeFences(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"` + "```json\\n{\\\"risk_score\\\":3}\\n```" + `"}]}}]}`))
	}))
	defer srv.Close()

	raw, err := testClient(srv.URL).Analyze(context.Background(), &provider.Request{
		Modality: provider.ModalityImage,
		Media:    []byte("x"),
	})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatalf("raw is not valid JSON after fence stripping: %q", raw)
	}
}

func TestAnalyze_RejectsTextModality(t *testing.T) {
	t.Parallel()

	_, err := testClient("http://unused").Analyze(context.Background(), &provider.Request{
		Modality: provider.ModalityText,
		Text:     "hello",
	})
	if provider.KindOf(err) != provider.KindMalformed {
		t.Errorf("kind = %q, want malformed", provider.KindOf(err))
	}
}

func TestAnalyze_RateLimited(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Analyze(context.Background(), &provider.Request{
		Modality: provider.ModalityImage,
		Media:    []byte("x"),
	})
	if provider.KindOf(err) != provider.KindRateLimited {
		t.Errorf("kind = %q, want rate_limited", provider.KindOf(err))
	}
}
