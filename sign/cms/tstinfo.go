package cms

import (
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// TSTInfo is the signed content of an RFC 3161 timestamp token.
type TSTInfo struct {
	Version       int
	Policy        asn1.ObjectIdentifier
	HashAlgorithm asn1.ObjectIdentifier
	HashedMessage []byte
	SerialNumber  *big.Int
	GenTime       time.Time
	Nonce         *big.Int
	Raw           []byte
}

// ParseTSTInfo decodes a DER TSTInfo.
func ParseTSTInfo(data []byte) (*TSTInfo, error) {
	sp, err := der.Parse(data)
	if err != nil {
		return nil, sigerr.Malformed("invalid TSTInfo", err)
	}
	fields, err := sp.Sequence()
	if err != nil || len(fields) < 5 {
		return nil, sigerr.Malformed("invalid TSTInfo", err)
	}

	info := &TSTInfo{Raw: sp.Full}
	if info.Version, err = fields[0].Int(); err != nil {
		return nil, sigerr.Malformed("invalid TSTInfo version", err)
	}
	if info.Policy, err = fields[1].OID(); err != nil {
		return nil, sigerr.Malformed("invalid TSTInfo policy", err)
	}

	imprint, err := fields[2].Sequence()
	if err != nil || len(imprint) != 2 {
		return nil, sigerr.Malformed("invalid message imprint", err)
	}
	alg, err := imprint[0].Sequence()
	if err != nil || len(alg) == 0 {
		return nil, sigerr.Malformed("invalid message imprint algorithm", err)
	}
	if info.HashAlgorithm, err = alg[0].OID(); err != nil {
		return nil, sigerr.Malformed("invalid message imprint algorithm", err)
	}
	if info.HashedMessage, err = imprint[1].OctetString(); err != nil {
		return nil, sigerr.Malformed("invalid message imprint", err)
	}

	if info.SerialNumber, err = fields[3].Integer(); err != nil {
		return nil, sigerr.Malformed("invalid TSTInfo serial", err)
	}
	if info.GenTime, err = fields[4].Time(); err != nil {
		return nil, sigerr.Malformed("invalid TSTInfo genTime", err)
	}

	// accuracy, ordering, nonce, tsa and extensions are optional; only the
	// nonce is kept.
	for _, f := range fields[5:] {
		if f.Is(der.TagInteger) {
			if info.Nonce, err = f.Integer(); err != nil {
				return nil, sigerr.Malformed("invalid TSTInfo nonce", err)
			}
		}
	}
	return info, nil
}

// Encode returns the DER encoding of the TSTInfo, version 1.
func (t *TSTInfo) Encode() []byte {
	fields := [][]byte{
		der.Int(1),
		der.OID(t.Policy),
		der.Sequence(der.AlgorithmIdentifier(t.HashAlgorithm, true), der.OctetString(t.HashedMessage)),
		der.Integer(t.SerialNumber),
		der.GeneralizedTime(t.GenTime),
	}
	if t.Nonce != nil {
		fields = append(fields, der.Integer(t.Nonce))
	}
	return der.Sequence(fields...)
}
