package signers

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"time"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/timestamps"
)

// Reservation sizes used when SignRequest.EstimatedSize is zero.
const (
	BaseReservation = 8192
	OCSPReservation = 4096
)

// Signing stages named in errors.
const (
	StageEstimation = "estimation"
	StageHashing    = "hashing"
	StageSigning    = "external signing"
	StageEncoding   = "encoding"
)

// SignRequest describes a detached signature.
type SignRequest struct {
	Sink      PlaceholderSink
	Signature ExternalSignature
	// Chain is the certificate chain, signer first.
	Chain      []*x509.Certificate
	CRLClients []certvalidator.CRLClient
	OCSPClient certvalidator.OCSPClient
	TSAClient  timestamps.TSAClient
	// EstimatedSize is the number of bytes reserved for the container. Zero
	// derives it from the revocation data and the TSA.
	EstimatedSize int
	// SubFilter defaults to adbe.pkcs7.detached.
	SubFilter   cms.SubFilter
	SigningTime time.Time
	Logger      observability.Logger
}

// SignDetached reserves the placeholder, digests the covered bytes, obtains
// the signature value and writes the container back exactly once. A
// container larger than the reservation fails with CapacityExceeded and
// nothing is written.
func SignDetached(ctx context.Context, req SignRequest) (err error) {
	subFilter := req.SubFilter
	if subFilter == "" {
		subFilter = cms.SubFilterPKCS7Detached
	}
	opID := observability.NewOperationID()
	ctx, span := observability.StartSpan(ctx, "signers.SignDetached",
		observability.AttrOperationID.String(opID),
		observability.AttrSubFilter.String(string(subFilter)))
	log := observability.OrNull(req.Logger).ForContext("OperationID", opID)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			log.ErrorContext(ctx, "Signing failed: {Error}", err)
		}
		observability.SignaturesTotal.WithLabelValues(string(subFilter), status).Inc()
		observability.EndSpan(span, err)
	}()

	if req.Sink == nil || req.Signature == nil {
		return sigerr.AtStage(StageEstimation, sigerr.Malformed("sink and signature are required", nil))
	}
	if subFilter != cms.SubFilterPKCS7Detached && !subFilter.IsCAdES() {
		return sigerr.AtStage(StageEstimation, sigerr.Malformed("detached signing does not support "+string(subFilter), nil))
	}
	if len(req.Chain) == 0 {
		return sigerr.AtStage(StageEstimation, sigerr.Malformed("certificate chain is empty", nil))
	}
	leaf := req.Chain[0]

	crls := collectCRLs(ctx, log, req.CRLClients, leaf)
	size := req.EstimatedSize
	if size == 0 {
		size = estimateSize(crls, req.OCSPClient != nil, req.TSAClient)
	}
	log.DebugContext(ctx, "Reserving {Size} bytes for {Subject}", size, leaf.Subject.CommonName)

	covered, err := req.Sink.Reserve(size)
	if err != nil {
		return sigerr.AtStage(StageEstimation, err)
	}

	c, err := cms.New(cms.BuildOptions{
		Chain:           req.Chain,
		DigestAlgorithm: req.Signature.HashAlgorithm(),
		SigningTime:     req.SigningTime,
	})
	if err != nil {
		return sigerr.AtStage(StageHashing, err)
	}
	h := c.Hash().New()
	if _, err := io.Copy(h, covered); err != nil {
		return sigerr.AtStage(StageHashing, fmt.Errorf("failed to digest byte range: %w", err))
	}
	contentDigest := h.Sum(nil)

	var ocsps [][]byte
	if req.OCSPClient != nil && len(req.Chain) >= 2 {
		resp, err := req.OCSPClient.GetEncoded(ctx, leaf, req.Chain[1], "")
		if err != nil {
			log.WarnContext(ctx, "OCSP response for {Subject} unavailable: {Error}", leaf.Subject.CommonName, err)
		} else if len(resp) > 0 {
			ocsps = append(ocsps, resp)
		}
	}

	attrs := c.AuthenticatedAttributeBytes(contentDigest, ocsps, crls, subFilter)
	sig, err := req.Signature.Sign(ctx, attrs)
	if err != nil {
		return sigerr.AtStage(StageSigning, err)
	}
	if err := c.SetExternalDigest(sig, nil, req.Signature.EncryptionAlgorithm()); err != nil {
		return sigerr.AtStage(StageSigning, err)
	}

	opts := cms.EncodeOptions{
		ContentDigest: contentDigest,
		SubFilter:     subFilter,
		OCSPs:         ocsps,
		CRLs:          crls,
	}
	if req.TSAClient != nil {
		opts.TSA = req.TSAClient
	}
	encoded, err := c.Encode(ctx, opts)
	if err != nil {
		return sigerr.AtStage(StageEncoding, err)
	}

	if err := writeBack(req.Sink, encoded, size); err != nil {
		return err
	}
	log.InfoContext(ctx, "Signed as {Subject} with {SubFilter}: {Bytes} of {Size} bytes used",
		leaf.Subject.CommonName, subFilter, len(encoded), size)
	return nil
}

// SignTimestamp writes an ETSI.RFC3161 document timestamp: the token's
// imprint is the digest of the covered bytes.
func SignTimestamp(ctx context.Context, sink PlaceholderSink, tsa timestamps.TSAClient, estimatedSize int, logger observability.Logger) (err error) {
	ctx, span := observability.StartSpan(ctx, "signers.SignTimestamp",
		observability.AttrSubFilter.String(string(cms.SubFilterRFC3161)))
	log := observability.OrNull(logger)
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		observability.SignaturesTotal.WithLabelValues(string(cms.SubFilterRFC3161), status).Inc()
		observability.EndSpan(span, err)
	}()

	if sink == nil || tsa == nil {
		return sigerr.AtStage(StageEstimation, sigerr.Malformed("sink and TSA are required", nil))
	}
	size := estimatedSize
	if size == 0 {
		size = tsa.TokenSizeEstimate()
	}
	covered, err := sink.Reserve(size)
	if err != nil {
		return sigerr.AtStage(StageEstimation, err)
	}
	h := tsa.MessageDigest()
	if _, err := io.Copy(h, covered); err != nil {
		return sigerr.AtStage(StageHashing, fmt.Errorf("failed to digest byte range: %w", err))
	}
	token, err := tsa.GetTimeStampToken(ctx, h.Sum(nil))
	if err != nil {
		return sigerr.AtStage(StageSigning, err)
	}
	if err := writeBack(sink, token, size); err != nil {
		return err
	}
	log.InfoContext(ctx, "Document timestamp written: {Bytes} of {Size} bytes used", len(token), size)
	return nil
}

func collectCRLs(ctx context.Context, log observability.Logger, clients []certvalidator.CRLClient, leaf *x509.Certificate) [][]byte {
	var crls [][]byte
	for _, client := range clients {
		if client == nil {
			continue
		}
		got, err := client.GetEncoded(ctx, leaf, "")
		if err != nil {
			log.WarnContext(ctx, "CRL for {Subject} unavailable: {Error}", leaf.Subject.CommonName, err)
			continue
		}
		for _, crl := range got {
			if len(crl) > 0 {
				crls = append(crls, crl)
			}
		}
	}
	return crls
}

func estimateSize(crls [][]byte, withOCSP bool, tsa timestamps.TSAClient) int {
	size := BaseReservation
	for _, crl := range crls {
		size += len(crl)
	}
	if withOCSP {
		size += OCSPReservation
	}
	if tsa != nil {
		size += tsa.TokenSizeEstimate()
	}
	return size
}

func writeBack(sink PlaceholderSink, encoded []byte, size int) error {
	if len(encoded) > size {
		return sigerr.Capacity(fmt.Sprintf("signature needs %d bytes, %d reserved", len(encoded), size))
	}
	padded := make([]byte, size)
	copy(padded, encoded)
	if err := sink.WriteBack(padded); err != nil {
		return sigerr.AtStage(StageEncoding, err)
	}
	return nil
}
