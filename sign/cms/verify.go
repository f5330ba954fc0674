package cms

import (
	"bytes"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// Verify checks the container against the bytes fed through Update. The
// outcome is computed on the first call and memoized; later calls return
// it without recomputation. Verify performs no network I/O and must not be
// called concurrently on the same Container.
func (c *Container) Verify() (bool, error) {
	if c.state.IsVerified() {
		return c.state.Result()
	}
	ok, err := c.verify()
	c.state = Verified(ok, err)
	return ok, err
}

func (c *Container) verify() (bool, error) {
	if c.isTSP {
		if c.tstInfo == nil {
			return false, sigerr.Malformed("timestamp token without TSTInfo", nil)
		}
		return bytes.Equal(c.messageDigest.Sum(nil), c.tstInfo.HashedMessage), nil
	}
	if c.signCert == nil {
		return false, sigerr.Malformed("no signer certificate", nil)
	}

	msgDigest := c.messageDigest.Sum(nil)
	if c.authAttrs != nil {
		rsaDataOK := true
		encContDigestOK := false
		if c.rsaData != nil {
			rsaDataOK = bytes.Equal(msgDigest, c.rsaData)
			h := c.hash.New()
			h.Write(c.rsaData)
			encContDigestOK = bytes.Equal(h.Sum(nil), c.digestAttr)
		}
		digestOK := bytes.Equal(msgDigest, c.digestAttr) || encContDigestOK

		sigOK, err := c.verifyOver(c.authAttrs)
		if err != nil {
			return false, err
		}
		if !sigOK && c.authAttrsDER != nil {
			if sigOK, err = c.verifyOver(c.authAttrsDER); err != nil {
				return false, err
			}
		}
		return digestOK && sigOK && rsaDataOK, nil
	}

	if c.rsaData != nil {
		return c.verifyOver(msgDigest)
	}
	return verifyDigest(c.signCert.PublicKey, c.hash, msgDigest, c.signature)
}

// verifyOver hashes data with the container digest and checks the
// signature value against it.
func (c *Container) verifyOver(data []byte) (bool, error) {
	h := c.hash.New()
	h.Write(data)
	return verifyDigest(c.signCert.PublicKey, c.hash, h.Sum(nil), c.signature)
}

// VerifyTimestampImprint checks that the unauthenticated timestamp token
// covers the signature value. It returns false when there is no token.
func (c *Container) VerifyTimestampImprint() (bool, error) {
	if c.isTSP || c.tstInfo == nil {
		return false, nil
	}
	h, err := algorithms.HashForOID(c.tstInfo.HashAlgorithm)
	if err != nil {
		return false, err
	}
	hh := h.New()
	hh.Write(c.signature)
	return bytes.Equal(hh.Sum(nil), c.tstInfo.HashedMessage), nil
}

// verifyDigest checks sig over an already hashed value. A cryptographic
// mismatch is (false, nil); an unusable key is an error.
func verifyDigest(pub crypto.PublicKey, h crypto.Hash, hashed, sig []byte) (bool, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, h, hashed, sig) == nil, nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(k, hashed, sig), nil
	case *dsa.PublicKey:
		sp, err := der.Parse(sig)
		if err != nil {
			return false, nil
		}
		rs, err := sp.Sequence()
		if err != nil || len(rs) != 2 {
			return false, nil
		}
		r, err1 := rs[0].Integer()
		s, err2 := rs[1].Integer()
		if err1 != nil || err2 != nil {
			return false, nil
		}
		return dsa.Verify(k, truncateForDSA(hashed, k.Q.BitLen()), r, s), nil
	}
	return false, sigerr.Malformed(fmt.Sprintf("unsupported public key type %T", pub), nil)
}

func truncateForDSA(hashed []byte, qBits int) []byte {
	n := (qBits + 7) / 8
	if len(hashed) > n {
		return hashed[:n]
	}
	return hashed
}
