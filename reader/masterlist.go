package reader

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gmrtd/gmrtd/cms"
	"github.com/go-ldap/ldif"
)

const (
	ldifCertificateAttribute = "userCertificate;binary"
	ldifMasterListAttribute  = "pkdMasterListContent"
)

var masterListClient = &http.Client{Timeout: 30 * time.Second}

// LoadMasterList builds the CSCA trust anchors used for passive authentication.
// An empty location selects the master list bundled with gmrtd. Otherwise location
// is a local path, a file:// URL or an http(s) URL pointing to a .pem, .cer, .der,
// .ml, .mls or .ldif file.
func LoadMasterList(location string) (cms.CertPool, error) {
	if location == "" {
		pool, err := cms.GetDefaultMasterList()
		if err != nil {
			return nil, fmt.Errorf("failed to load default master list: %w", err)
		}
		return pool, nil
	}

	data, name, err := fetchMasterList(location)
	if err != nil {
		return nil, err
	}

	certs, err := extractCertificates(name, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read master list %s: %w", location, err)
	}

	pool := &cms.GenericCertPool{}
	added := 0
	for i, der := range certs {
		if _, err := x509.ParseCertificate(der); err != nil {
			slog.Warn("skipping malformed CSCA certificate", "index", i, "error", err)
			continue
		}
		if err := pool.Add(der); err != nil {
			return nil, fmt.Errorf("failed to add certificate %d: %w", i, err)
		}
		added++
	}
	if added == 0 {
		return nil, fmt.Errorf("no certificates found in master list %s", location)
	}

	slog.Info("loaded master list", "location", location, "certificates", added)
	return pool, nil
}

func fetchMasterList(location string) ([]byte, string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path, including Windows drive letters.
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read master list: %w", err)
		}
		return data, location, nil
	}

	switch u.Scheme {
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read master list: %w", err)
		}
		return data, u.Path, nil
	case "http", "https":
		resp, err := masterListClient.Get(location)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download master list: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close master list response body", "error", err)
			}
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("failed to download master list: unexpected status %s", resp.Status)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to download master list: %w", err)
		}
		return data, u.Path, nil
	default:
		return nil, "", fmt.Errorf("unsupported master list scheme %q", u.Scheme)
	}
}

func extractCertificates(name string, data []byte) ([][]byte, error) {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".pem":
		return pemCertificates(data)
	case ".cer", ".crt", ".der":
		if strings.HasPrefix(strings.TrimSpace(string(data)), "-----BEGIN") {
			return pemCertificates(data)
		}
		return [][]byte{data}, nil
	case ".ml", ".mls":
		return masterListCertificates(data)
	case ".ldif":
		return ldifCertificates(data)
	default:
		return nil, fmt.Errorf("unsupported master list format %q", ext)
	}
}

func pemCertificates(data []byte) ([][]byte, error) {
	var certs [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, block.Bytes)
		}
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no PEM certificates found")
	}
	return certs, nil
}

// ldifCertificates collects CSCA certificates from an ICAO PKD LDIF download.
// Entries carry either a single certificate or a complete CMS master list.
func ldifCertificates(data []byte) ([][]byte, error) {
	parsed, err := ldif.Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse LDIF: %w", err)
	}

	var certs [][]byte
	for _, entry := range parsed.Entries {
		if entry.Entry == nil {
			continue
		}
		for _, attr := range entry.Entry.Attributes {
			switch {
			case strings.EqualFold(attr.Name, ldifCertificateAttribute):
				certs = append(certs, attr.ByteValues...)
			case strings.EqualFold(attr.Name, ldifMasterListAttribute):
				for _, value := range attr.ByteValues {
					listCerts, err := masterListCertificates(value)
					if err != nil {
						slog.Warn("skipping unreadable master list entry", "dn", entry.Entry.DN, "error", err)
						continue
					}
					certs = append(certs, listCerts...)
				}
			}
		}
	}
	return certs, nil
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version                 int
	DigestAlgorithms        []algorithmIdentifier `asn1:"set"`
	EncapsulatedContentInfo encapsulatedContentInfo
	Certificates            []asn1.RawValue `asn1:"implicit,optional,tag:0,set"`
	CRLs                    []asn1.RawValue `asn1:"implicit,optional,tag:1,set"`
	SignerInfos             []asn1.RawValue `asn1:"set"`
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

// cscaMasterList is the eContent of an ICAO CSCA master list.
type cscaMasterList struct {
	Version      int
	Certificates []asn1.RawValue `asn1:"set"`
}

// masterListCertificates unwraps a CMS signed CSCA master list. The signature
// over the list is not verified; the list is trusted by configuration.
func masterListCertificates(data []byte) ([][]byte, error) {
	var info contentInfo
	if _, err := asn1.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(info.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}

	eContent := sd.EncapsulatedContentInfo.EContent
	if len(eContent) == 0 {
		return nil, fmt.Errorf("no eContent found in EncapsulatedContentInfo")
	}

	var list cscaMasterList
	if _, err := asn1.Unmarshal(eContent, &list); err != nil {
		return nil, fmt.Errorf("failed to parse master list: %w", err)
	}

	certs := make([][]byte, 0, len(list.Certificates))
	for _, cert := range list.Certificates {
		certs = append(certs, cert.FullBytes)
	}
	return certs, nil
}
