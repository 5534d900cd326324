package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errly/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.Init("error")
	os.Exit(m.Run())
}

func TestIsPrivateOrReserved_RejectsKnownAddresses(t *testing.T) {
	for _, addr := range []string{
		"127.0.0.1", "10.0.0.1", "172.20.1.1", "192.168.0.1",
		"169.254.1.1", "0.0.0.0", "::1", "fc00::1", "fe80::1",
	} {
		ip := net.ParseIP(addr)
		assert.True(t, isPrivateOrReserved(ip), "expected %s to be rejected", addr)
	}
}

func TestIsPrivateOrReserved_AcceptsPublicAddress(t *testing.T) {
	assert.False(t, isPrivateOrReserved(net.ParseIP("8.8.8.8")))
}

func TestValidate_RejectsNonHTTPScheme(t *testing.T) {
	d := New()
	err := d.validate(context.Background(), "ftp://example.test/hook")
	assert.Error(t, err)
}

func TestValidate_RejectsLiteralPrivateIP(t *testing.T) {
	d := New()
	err := d.validate(context.Background(), "http://169.254.169.254/meta")
	assert.Error(t, err)
}

// S4 variant: a hostname that resolves to a private address must be
// rejected even though the URL text itself contains no literal IP.
func TestValidate_RejectsDNSRebindingToPrivateAddress(t *testing.T) {
	d := New()
	d.resolver = fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}}

	err := d.validate(context.Background(), "http://example.test/")
	assert.Error(t, err)
}

func TestValidate_AcceptsPublicHostname(t *testing.T) {
	d := New()
	d.resolver = fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}

	err := d.validate(context.Background(), "https://example.test/")
	assert.NoError(t, err)
}

// S4 – a new group whose webhook URL fails validation must produce no
// outbound request at all.
func TestDispatch_SkipsRequestOnValidationFailure(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New()
	d.Dispatch(context.Background(), "http://169.254.169.254/meta", Payload{Type: "new-error"})

	assert.False(t, called, "webhook dispatch must not hit the network for an SSRF-invalid URL")
}

// Dispatch's happy path (validation passing, then a JSON POST reaching the
// network) uses a hostname whose resolved address is public, with the
// client's dialer pointed at the httptest server: httptest servers only
// ever listen on loopback, and a loopback target is correctly rejected by
// the SSRF guard above.
func TestDispatch_PostsJSONBodyWhenValidationPasses(t *testing.T) {
	var gotPayload Payload
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New()
	d.resolver = fakeResolver{ips: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}
	d.httpClient = &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}}

	d.Dispatch(context.Background(), "http://hook.example.test/", Payload{Type: "new-error", Timestamp: 42})

	require.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "new-error", gotPayload.Type)
	assert.Equal(t, int64(42), gotPayload.Timestamp)
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

type fakeResolver struct {
	ips []net.IPAddr
	err error
}

func (f fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return f.ips, f.err
}
