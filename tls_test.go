package main

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSelfSignedTLSCertificate(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		wantCN   string
		wantDNS  []string
	}{
		{"default", "", "parley", []string{"localhost"}},
		{"localhost", "localhost", "localhost", []string{"localhost"}},
		{"custom host", "voice.example.lan", "voice.example.lan", []string{"localhost", "voice.example.lan"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, fingerprint, err := selfSignedTLS(2*time.Hour, tt.hostname)
			if err != nil {
				t.Fatalf("selfSignedTLS: %v", err)
			}
			if len(fingerprint) != 64 {
				t.Fatalf("fingerprint length %d, want 64", len(fingerprint))
			}
			if len(cfg.Certificates) != 1 || cfg.Certificates[0].Leaf == nil {
				t.Fatalf("expected one parsed certificate, got %#v", cfg.Certificates)
			}
			leaf := cfg.Certificates[0].Leaf
			if leaf.Subject.CommonName != tt.wantCN {
				t.Fatalf("CN %q, want %q", leaf.Subject.CommonName, tt.wantCN)
			}
			if len(leaf.DNSNames) != len(tt.wantDNS) {
				t.Fatalf("DNS names %v, want %v", leaf.DNSNames, tt.wantDNS)
			}
			for i, name := range tt.wantDNS {
				if leaf.DNSNames[i] != name {
					t.Fatalf("DNS names %v, want %v", leaf.DNSNames, tt.wantDNS)
				}
			}
			now := time.Now()
			if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
				t.Fatalf("certificate not valid now: %v - %v", leaf.NotBefore, leaf.NotAfter)
			}
			if leaf.NotAfter.After(now.Add(2*time.Hour + time.Minute)) {
				t.Fatalf("NotAfter %v exceeds requested validity", leaf.NotAfter)
			}

			pool := x509.NewCertPool()
			pool.AddCert(leaf)
			if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
				t.Fatalf("self verification: %v", err)
			}
		})
	}
}

func TestSelfSignedTLSIsUnique(t *testing.T) {
	_, a, err := selfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	_, b, err := selfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a == b {
		t.Fatal("each call should generate a new certificate")
	}
}

func TestSelfSignedTLSServesHTTPS(t *testing.T) {
	cfg, _, err := selfSignedTLS(time.Hour, "")
	if err != nil {
		t.Fatalf("selfSignedTLS: %v", err)
	}
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	ts.TLS = cfg
	ts.StartTLS()
	defer ts.Close()

	pool := x509.NewCertPool()
	pool.AddCert(cfg.Certificates[0].Leaf)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, ServerName: "localhost"}}}
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("https get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
