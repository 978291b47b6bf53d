package taskmesh

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newHTTPTestServer(t *testing.T) (*httptest.Server, *Coordinator) {
	t.Helper()
	c := startTestCoordinator(t, nil)
	mux := http.NewServeMux()
	NewHTTPTransport(c.Gateway()).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, c
}

func postEnvelope(t *testing.T, url string, env *Envelope, compress bool) *http.Response {
	t.Helper()
	data, err := EncodeFrame(env, compress)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url+messagePath, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if compress {
		req.Header.Set("Content-Encoding", snappyEncoding)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", messagePath, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHTTPTransport_RegisterAndPoll(t *testing.T) {
	ts, c := newHTTPTestServer(t)

	resp := postEnvelope(t, ts.URL, registerEnvelope(t, "poller", DeviceTypeSensor, "sensor.temp"), false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}
	var reply Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	var payload ResponsePayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Success {
		t.Fatalf("register rejected: %s", payload.Error)
	}
	if !c.Registry().Has("poller") {
		t.Fatal("device missing from registry after HTTP register")
	}

	// Queue a command for the unconnected device, then poll it out.
	if err := c.Gateway().SendBestEffort("poller", MessageCommand, &CommandPayload{Action: "sensor.read"}); err != nil {
		t.Fatalf("SendBestEffort() error = %v", err)
	}
	pollResp, err := http.Get(ts.URL + commandsPath + "?device=poller")
	if err != nil {
		t.Fatalf("GET %s error = %v", commandsPath, err)
	}
	defer pollResp.Body.Close()
	var queued []*Envelope
	if err := json.NewDecoder(pollResp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode poll body: %v", err)
	}
	if len(queued) != 1 || queued[0].Type != MessageCommand {
		t.Fatalf("poll = %d envelopes, want 1 command", len(queued))
	}

	// The outbox drained.
	pollResp2, err := http.Get(ts.URL + commandsPath + "?device=poller")
	if err != nil {
		t.Fatal(err)
	}
	defer pollResp2.Body.Close()
	var empty []*Envelope
	if err := json.NewDecoder(pollResp2.Body).Decode(&empty); err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("second poll = %d envelopes, want 0", len(empty))
	}
}

func TestHTTPTransport_DeviceInitiatedCommand(t *testing.T) {
	ts, c := newHTTPTestServer(t)
	connectScriptedDevice(t, c, "worker", DeviceTypeCompute, succeedAlways, "sum")

	// The issuing device registers in poll mode.
	resp := postEnvelope(t, ts.URL, registerEnvelope(t, "operator", DeviceTypeDesktop), false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	cmd, err := NewEnvelope(ProtocolV1, "operator", CoordinatorID, MessageCommand, &CommandPayload{
		Action:     "compute.sum",
		Parameters: map[string]any{"n": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	resp = postEnvelope(t, ts.URL, cmd, false)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("command POST status = %d, want 202", resp.StatusCode)
	}

	// The handler returns before execution finishes; the outcome lands in the
	// issuer's outbox once the worker answers.
	var result *Envelope
	waitFor(t, 2*time.Second, func() bool {
		for _, env := range c.Gateway().DrainOutbox("operator") {
			if env.Type == MessageResponse {
				result = env
				return true
			}
		}
		return false
	})
	if result.MessageID != cmd.MessageID {
		t.Errorf("reply message id = %q, want the command's %q", result.MessageID, cmd.MessageID)
	}
	var payload ResponsePayload
	if err := result.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Success {
		t.Errorf("command outcome = %+v, want success", payload)
	}
}

func TestHTTPTransport_SnappyBody(t *testing.T) {
	ts, c := newHTTPTestServer(t)

	resp := postEnvelope(t, ts.URL, registerEnvelope(t, "squeeze", DeviceTypeSensor), true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compressed register status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Encoding"); got != snappyEncoding {
		t.Errorf("reply Content-Encoding = %q, want %q", got, snappyEncoding)
	}
	if !c.Registry().Has("squeeze") {
		t.Error("device missing from registry after compressed register")
	}
}

func TestHTTPTransport_MalformedEnvelope(t *testing.T) {
	ts, _ := newHTTPTestServer(t)

	resp, err := http.Post(ts.URL+messagePath, "application/json", bytes.NewReader([]byte("{broken")))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed POST status = %d, want 400", resp.StatusCode)
	}
}

func TestHTTPTransport_MethodAndParamValidation(t *testing.T) {
	ts, _ := newHTTPTestServer(t)

	resp, err := http.Get(ts.URL + messagePath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET %s status = %d, want 405", messagePath, resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + commandsPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("poll without device status = %d, want 400", resp.StatusCode)
	}
}
