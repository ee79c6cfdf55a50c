package mtconnect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const currentDoc = `<?xml version="1.0" encoding="UTF-8"?>
<MTConnectStreams xmlns="urn:mtconnect.org:MTConnectStreams:1.3">
  <Header creationTime="2025-06-03T14:07:01.250000Z" lastSequence="248" instanceId="12"/>
  <Streams>
    <DeviceStream name="VTC" uuid="vtc-01">
      <ComponentStream component="Rotary" name="C">
        <Samples>
          <SpindleSpeed dataItemId="c2" name="Srpm" timestamp="2025-06-03T14:07:01.21Z">1200</SpindleSpeed>
          <PathFeedrate dataItemId="p1" timestamp="2025-06-03T14:07:01.21Z">UNAVAILABLE</PathFeedrate>
        </Samples>
        <Events>
          <Execution dataItemId="e1" name="execution" timestamp="2025-06-03T14:07:01.21Z">ACTIVE</Execution>
        </Events>
        <Condition>
          <Normal dataItemId="c3" name="spindle_cond" timestamp="2025-06-03T14:07:01.21Z"/>
        </Condition>
      </ComponentStream>
    </DeviceStream>
  </Streams>
</MTConnectStreams>`

func TestFetchParsesCurrentDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(currentDoc))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, false)
	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if snap.Seq != 248 {
		t.Fatalf("expected sequence 248, got %d", snap.Seq)
	}
	want := time.Date(2025, 6, 3, 14, 7, 1, 250000000, time.UTC)
	if !snap.Timestamp.Equal(want) {
		t.Fatalf("expected header creationTime as timestamp, got %v", snap.Timestamp)
	}
	if v, ok := snap.Fields["Srpm"].Number(); !ok || v != 1200 {
		t.Fatalf("expected numeric Srpm=1200, got %v", snap.Fields["Srpm"])
	}
	if !snap.Fields["p1"].IsUnavailable() {
		t.Fatalf("UNAVAILABLE sample not mapped to sentinel: %v", snap.Fields["p1"])
	}
	if v, ok := snap.Fields["execution"].Text(); !ok || v != "ACTIVE" {
		t.Fatalf("expected execution=ACTIVE, got %v", snap.Fields["execution"])
	}
	if _, ok := snap.Fields["spindle_cond"]; ok {
		t.Fatalf("condition captured despite include_condition=false")
	}
}

func TestFetchIncludesConditionWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(currentDoc))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, true)
	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if v, ok := snap.Fields["spindle_cond"].Text(); !ok || v != "Normal" {
		t.Fatalf("expected spindle_cond=Normal, got %v", snap.Fields["spindle_cond"])
	}
}

func TestFetchParsesDocumentWithoutNamespace(t *testing.T) {
	doc := `<MTConnectStreams>
  <Header lastSequence="7"/>
  <Streams><DeviceStream><ComponentStream>
    <Events><Mode dataItemId="m1" name="mode">AUTOMATIC</Mode></Events>
  </ComponentStream></DeviceStream></Streams>
</MTConnectStreams>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL, time.Second, false).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if snap.Seq != 7 {
		t.Fatalf("expected sequence 7, got %d", snap.Seq)
	}
	if v, ok := snap.Fields["mode"].Text(); !ok || v != "AUTOMATIC" {
		t.Fatalf("expected mode=AUTOMATIC, got %v", snap.Fields["mode"])
	}
	if snap.Timestamp.IsZero() {
		t.Fatalf("expected fallback timestamp to be set")
	}
}

func TestFetchErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "agent down", http.StatusServiceUnavailable)
		}},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {}},
		{"malformed xml", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<MTConnectStreams><Hea"))
		}},
		{"missing sequence", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<MTConnectStreams><Header/></MTConnectStreams>"))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			if _, err := NewClient(srv.URL, time.Second, false).Fetch(context.Background()); err == nil {
				t.Fatalf("expected transport error")
			}
		})
	}
}

func TestFetchHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(currentDoc))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := NewClient(srv.URL, time.Second, false).Fetch(ctx); err == nil {
		t.Fatalf("expected deadline error")
	}
}
