package reader

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	oidSignedData     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidCscaMasterList = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 2}
)

func testCertificate(t *testing.T, name string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: name, Country: []string{"UT"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

func testMasterList(t *testing.T, certs ...[]byte) []byte {
	t.Helper()
	list := cscaMasterList{Version: 0}
	for _, der := range certs {
		list.Certificates = append(list.Certificates, asn1.RawValue{FullBytes: der})
	}
	eContent, err := asn1.Marshal(list)
	require.NoError(t, err)

	sd, err := asn1.Marshal(signedData{
		Version: 3,
		EncapsulatedContentInfo: encapsulatedContentInfo{
			EContentType: oidCscaMasterList,
			EContent:     eContent,
		},
	})
	require.NoError(t, err)

	data, err := asn1.Marshal(contentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sd},
	})
	require.NoError(t, err)
	return data
}

func pemEncode(certs ...[]byte) []byte {
	var out []byte
	for _, der := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestMasterListCertificates(t *testing.T) {
	first := testCertificate(t, "CSCA one")
	second := testCertificate(t, "CSCA two")

	certs, err := masterListCertificates(testMasterList(t, first, second))
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{first, second}, certs)

	t.Run("garbage", func(t *testing.T) {
		_, err := masterListCertificates([]byte{0x01, 0x02})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to parse ContentInfo")
	})
}

func TestPemCertificates(t *testing.T) {
	first := testCertificate(t, "CSCA one")
	second := testCertificate(t, "CSCA two")

	certs, err := pemCertificates(pemEncode(first, second))
	require.NoError(t, err)
	require.Equal(t, [][]byte{first, second}, certs)

	_, err = pemCertificates([]byte("no pem here"))
	require.Error(t, err)
}

func TestLdifCertificates(t *testing.T) {
	single := testCertificate(t, "CSCA single")
	listed := testCertificate(t, "CSCA listed")

	content := fmt.Sprintf(`version: 1

dn: cn=single,o=csca,c=UT,dc=data,dc=download,dc=pkd
objectClass: top
objectClass: inetOrgPerson
cn: single
sn: 1
userCertificate;binary:: %s

dn: cn=list,o=ml,c=UT,dc=data,dc=download,dc=pkd
objectClass: top
objectClass: CscaMasterList
cn: list
pkdMasterListContent:: %s
`, base64.StdEncoding.EncodeToString(single), base64.StdEncoding.EncodeToString(testMasterList(t, listed)))

	certs, err := ldifCertificates([]byte(content))
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{single, listed}, certs)
}

func TestLoadMasterList(t *testing.T) {
	cert := testCertificate(t, "CSCA")

	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"pem", "csca.pem", pemEncode(cert)},
		{"der", "csca.der", cert},
		{"pem encoded cer", "csca.cer", pemEncode(cert)},
		{"master list", "masterlist.mls", testMasterList(t, cert)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := LoadMasterList(writeFile(t, tt.file, tt.data))
			require.NoError(t, err)
			require.NotNil(t, pool)
		})
	}

	t.Run("file url", func(t *testing.T) {
		p := writeFile(t, "csca.pem", pemEncode(cert))
		pool, err := LoadMasterList("file://" + p)
		require.NoError(t, err)
		require.NotNil(t, pool)
	})

	t.Run("http url", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/pkd/masterlist.mls" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(testMasterList(t, cert))
		}))
		defer server.Close()

		pool, err := LoadMasterList(server.URL + "/pkd/masterlist.mls")
		require.NoError(t, err)
		require.NotNil(t, pool)

		_, err = LoadMasterList(server.URL + "/missing.mls")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unexpected status")
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := LoadMasterList(writeFile(t, "csca.txt", cert))
		require.Error(t, err)
		require.Contains(t, err.Error(), "unsupported master list format")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadMasterList(filepath.Join(t.TempDir(), "absent.pem"))
		require.Error(t, err)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := LoadMasterList("ftp://example.org/masterlist.mls")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unsupported master list scheme")
	})

	t.Run("only malformed certificates", func(t *testing.T) {
		_, err := LoadMasterList(writeFile(t, "broken.der", []byte{0x30, 0x03, 0x02, 0x01, 0x01}))
		require.Error(t, err)
		require.Contains(t, err.Error(), "no certificates found")
	})
}
