package cms

import "fmt"

// SubFilter is the PDF /SubFilter value naming the signature encoding.
type SubFilter string

const (
	// SubFilterRSASHA1 is a bare PKCS#1 signature in an OCTET STRING with
	// certificates stored separately under /Cert.
	SubFilterRSASHA1 SubFilter = "adbe.x509.rsa_sha1"
	// SubFilterPKCS7Detached is a CMS SignedData without inline content.
	SubFilterPKCS7Detached SubFilter = "adbe.pkcs7.detached"
	// SubFilterCAdESDetached is a detached CMS SignedData carrying the ESS
	// signing-certificate-v2 attribute.
	SubFilterCAdESDetached SubFilter = "ETSI.CAdES.detached"
	// SubFilterRFC3161 is a document timestamp: the whole container is a
	// timestamp token.
	SubFilterRFC3161 SubFilter = "ETSI.RFC3161"
)

// ParseSubFilter validates a /SubFilter name.
func ParseSubFilter(s string) (SubFilter, error) {
	switch sf := SubFilter(s); sf {
	case SubFilterRSASHA1, SubFilterPKCS7Detached, SubFilterCAdESDetached, SubFilterRFC3161:
		return sf, nil
	}
	return "", fmt.Errorf("unsupported subfilter %q", s)
}

// IsCAdES reports whether the subfilter requires the ESS binding.
func (s SubFilter) IsCAdES() bool {
	return s == SubFilterCAdESDetached
}

// IsTimestamp reports whether the subfilter is a document timestamp.
func (s SubFilter) IsTimestamp() bool {
	return s == SubFilterRFC3161
}

func (s SubFilter) String() string {
	return string(s)
}
