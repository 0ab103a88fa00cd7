package daemon

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newAPIServer(t *testing.T) (*Daemon, *httptest.Server) {
	t.Helper()
	d := newTestDaemon(t, "api")
	srv := httptest.NewServer(d.router())
	t.Cleanup(srv.Close)
	return d, srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAPIStatus(t *testing.T) {
	d, srv := newAPIServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var s Status
	decode(t, resp, &s)
	if s.Name != "api" || s.PublicKey != d.Node().PublicKey().String() {
		t.Errorf("Status = %+v", s)
	}
}

func TestAPIPeers(t *testing.T) {
	d, srv := newAPIServer(t)
	other := testKey(t)

	tests := []struct {
		name string
		req  AddPeerRequest
		want int
	}{
		{"valid", AddPeerRequest{PublicKey: other.String(), Name: "other"}, http.StatusCreated},
		{"bad key", AddPeerRequest{PublicKey: "zz"}, http.StatusBadRequest},
		{"self", AddPeerRequest{PublicKey: d.Node().PublicKey().String()}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/peers", tt.req)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	var peers []PeerInfo
	decode(t, doJSON(t, http.MethodGet, srv.URL+"/peers", nil), &peers)
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	if peers[0].PublicKey != other.String() || peers[0].Name != "other" || peers[0].Connected {
		t.Errorf("peer = %+v", peers[0])
	}

	if resp := doJSON(t, http.MethodDelete, srv.URL+"/peers/"+other.String(), nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodDelete, srv.URL+"/peers/"+other.String(), nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
	if d.Peers().Count() != 0 {
		t.Errorf("Count() = %d, want 0", d.Peers().Count())
	}
}

func TestAPIInbox(t *testing.T) {
	d, srv := newAPIServer(t)

	var msgs []InboxMessage
	resp := doJSON(t, http.MethodGet, srv.URL+"/inbox", nil)
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty inbox = %s, want []", body)
	}

	d.Inbox().add(InboxMessage{Text: "one", ReceivedAt: time.Now()})
	decode(t, doJSON(t, http.MethodGet, srv.URL+"/inbox?drain=true", nil), &msgs)
	if len(msgs) != 1 || msgs[0].Text != "one" {
		t.Fatalf("drained %+v, want one message", msgs)
	}
	if n := d.Inbox().Count(); n != 0 {
		t.Errorf("Count() after drain = %d, want 0", n)
	}
}

func TestAPISend(t *testing.T) {
	d, srv := newAPIServer(t)
	to := testKey(t)

	tests := []struct {
		name string
		req  SendTextRequest
		want int
	}{
		{"valid", SendTextRequest{To: to.String(), Text: "hello"}, http.StatusAccepted},
		{"bad key", SendTextRequest{To: "nope", Text: "hello"}, http.StatusBadRequest},
		{"empty text", SendTextRequest{To: to.String()}, http.StatusBadRequest},
		{"self", SendTextRequest{To: d.Node().PublicKey().String(), Text: "hello"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodPost, srv.URL+"/send", tt.req)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want == http.StatusAccepted {
				var out SendTextResponse
				decode(t, resp, &out)
				if out.Tag == "" {
					t.Error("empty tag")
				}
			}
		})
	}

	if got := len(d.outCh); got != 1 {
		t.Errorf("queued %d messages, want 1", got)
	}
}

func TestAPISAFRequestWithoutPeers(t *testing.T) {
	_, srv := newAPIServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/saf/request", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out SAFRequestResponse
	decode(t, resp, &out)
	if out.Requested != 0 {
		t.Errorf("Requested = %d, want 0", out.Requested)
	}
}

func TestAPILogs(t *testing.T) {
	d, srv := newAPIServer(t)
	d.Logger().Warn("something odd")
	d.Logger().Debug("noise")

	if resp := doJSON(t, http.MethodGet, srv.URL+"/logs?since=yesterday", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", resp.StatusCode)
	}

	var out struct {
		Entries []LogEntry `json:"entries"`
		Count   int        `json:"count"`
	}
	decode(t, doJSON(t, http.MethodGet, srv.URL+"/logs?level=warn", nil), &out)
	if out.Count != 1 || out.Entries[0].Message != "something odd" {
		t.Errorf("logs = %+v, want the warning only", out)
	}
}

func TestAPIMetrics(t *testing.T) {
	_, srv := newAPIServer(t)
	doJSON(t, http.MethodGet, srv.URL+"/status", nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`safnode_http_requests_total{method="GET",path="/status",status="200"} 1`,
		"safnode_known_peers 0",
		`safnode_saf_messages_dropped_total{class="benign"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	var snap MetricsSnapshot
	decode(t, doJSON(t, http.MethodGet, srv.URL+"/metrics.json", nil), &snap)
	if snap.System.GoVersion == "" {
		t.Error("metrics.json has no system metrics")
	}
}
