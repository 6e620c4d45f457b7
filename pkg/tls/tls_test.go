package tls

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "master.crt")
	keyFile := filepath.Join(dir, "certs", "master.key")

	generated, err := EnsureServerCert(certFile, keyFile, "scheduler-master", "10.0.0.5", "master.internal")
	if err != nil {
		t.Fatalf("EnsureServerCert failed: %v", err)
	}
	if !generated {
		t.Fatal("expected a certificate to be generated")
	}
	generated, err = EnsureServerCert(certFile, keyFile, "scheduler-master")
	if err != nil || generated {
		t.Fatalf("existing certificate should be reused (generated=%v, err=%v)", generated, err)
	}

	serverCfg, err := ServerConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("ServerConfig failed: %v", err)
	}
	clientCfg, err := ClientConfig(certFile)
	if err != nil {
		t.Fatalf("ClientConfig failed: %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func TestClientConfigBadCA(t *testing.T) {
	if _, err := ClientConfig(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing CA file")
	}
}
