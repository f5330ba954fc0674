package cli

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/fetchers"
	"github.com/georgepadayatti/gopdfsig/config"
	"github.com/georgepadayatti/gopdfsig/keys"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/signers"
	"github.com/georgepadayatti/gopdfsig/sign/timestamps"
)

// SignOptions contains options for the sign command.
type SignOptions struct {
	CertFile      string
	KeyFile       string
	ChainFiles    []string
	Passphrase    string
	PFXFile       string
	PFXPassphrase string
	PKCS11        bool

	Digest          string
	SubFilter       string
	EstimatedSize   int
	TSA             string
	EmbedRevocation bool
}

func newSignCommand(app *App) *cobra.Command {
	var opts SignOptions
	cmd := &cobra.Command{
		Use:   "sign <input> <output>",
		Short: "Append a signature dictionary to a file and sign it",
		Long: `Append a signature dictionary with a /Contents placeholder to the input,
sign the covered bytes and write the result. Signing an already signed file
adds a new revision. With --subfilter ETSI.RFC3161 a document timestamp is
written instead, which requires --tsa or a timestamp configuration.`,
		Example: `  gopdfsig sign --cert signer.pem --key signer.key --chain ca.pem in.pdf out.pdf
  gopdfsig sign --pfx signer.p12 --pfx-passphrase secret --subfilter ETSI.CAdES.detached in.pdf out.pdf
  gopdfsig sign --config gopdfsig.yaml --tsa http://tsa.example.com in.pdf out.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			signing := *app.Config.Signing
			flags := cmd.Flags()
			if flags.Changed("digest") {
				signing.Digest = opts.Digest
			}
			if flags.Changed("subfilter") {
				signing.SubFilter = opts.SubFilter
			}
			if flags.Changed("estimated-size") {
				signing.EstimatedSize = opts.EstimatedSize
			}
			if flags.Changed("embed-revocation") {
				signing.EmbedRevocation = opts.EmbedRevocation
			}
			switch {
			case opts.PFXFile != "":
				signing.PemDer = nil
				signing.PKCS12 = &config.PKCS12SignatureConfig{
					PFXFile:         opts.PFXFile,
					PFXPassphrase:   opts.PFXPassphrase,
					OtherCertsFiles: opts.ChainFiles,
				}
			case opts.CertFile != "" || opts.KeyFile != "":
				signing.PKCS12 = nil
				signing.PemDer = &config.PemDerSignatureConfig{
					CertFile:        opts.CertFile,
					KeyFile:         opts.KeyFile,
					OtherCertsFiles: opts.ChainFiles,
					KeyPassphrase:   opts.Passphrase,
				}
			}
			if err := signing.Validate(); err != nil {
				return err
			}
			return runSign(cmd.Context(), app, &signing, &opts, args[0], args[1])
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.CertFile, "cert", "", "Signing certificate (PEM or DER)")
	f.StringVar(&opts.KeyFile, "key", "", "Private key (PEM or DER)")
	f.StringSliceVar(&opts.ChainFiles, "chain", nil, "Additional chain certificates")
	f.StringVar(&opts.Passphrase, "passphrase", "", "Private key passphrase")
	f.StringVar(&opts.PFXFile, "pfx", "", "PKCS#12 bundle with key and certificates")
	f.StringVar(&opts.PFXPassphrase, "pfx-passphrase", "", "PKCS#12 passphrase")
	f.BoolVar(&opts.PKCS11, "pkcs11", false, "Sign with the token from the pkcs11 configuration section")
	f.StringVar(&opts.Digest, "digest", "SHA256", "Digest algorithm")
	f.StringVar(&opts.SubFilter, "subfilter", string(cms.SubFilterPKCS7Detached), "Signature subfilter")
	f.IntVar(&opts.EstimatedSize, "estimated-size", 0, "Bytes reserved for the signature (0 estimates)")
	f.StringVar(&opts.TSA, "tsa", "", "URL of an RFC 3161 timestamp authority")
	f.BoolVar(&opts.EmbedRevocation, "embed-revocation", false, "Fetch CRLs and OCSP for the signer and embed them")
	return cmd
}

func runSign(ctx context.Context, app *App, signing *config.SigningConfig, opts *SignOptions, input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	subFilter := signing.ParsedSubFilter()
	tsa := app.tsaClient(opts.TSA)
	doc := signers.NewBufferDocument(data, subFilter)

	if subFilter.IsTimestamp() {
		if tsa == nil {
			return fmt.Errorf("%s requires a timestamp authority", subFilter)
		}
		if err := signers.SignTimestamp(ctx, doc, tsa, signing.EstimatedSize, app.Logger); err != nil {
			return err
		}
		return app.writeSigned(output, doc)
	}

	sig, chain, closeSigner, err := app.signer(signing, opts.PKCS11)
	if err != nil {
		return err
	}
	defer closeSigner()

	req := signers.SignRequest{
		Sink:          doc,
		Signature:     sig,
		Chain:         chain,
		EstimatedSize: signing.EstimatedSize,
		SubFilter:     subFilter,
		Logger:        app.Logger,
	}
	if tsa != nil {
		req.TSAClient = tsa
	}
	if signing.EmbedRevocation {
		f, err := app.Config.Fetcher.Fetcher(app.Logger)
		if err != nil {
			return err
		}
		req.CRLClients = []certvalidator.CRLClient{fetchers.NewHTTPCRLClient(f)}
		req.OCSPClient = fetchers.NewHTTPOCSPClient(f)
	}
	if err := signers.SignDetached(ctx, req); err != nil {
		return err
	}
	return app.writeSigned(output, doc)
}

// signer returns the signature implementation and chain, signer first.
func (a *App) signer(signing *config.SigningConfig, pkcs11 bool) (signers.ExternalSignature, []*x509.Certificate, func(), error) {
	if pkcs11 {
		if a.Config.PKCS11 == nil {
			return nil, nil, nil, config.NewConfigError("pkcs11", "no pkcs11 section configured")
		}
		p11Opts, err := a.Config.PKCS11.Options(signing.Digest)
		if err != nil {
			return nil, nil, nil, err
		}
		sig, err := signers.OpenPKCS11Signature(p11Opts)
		if err != nil {
			return nil, nil, nil, err
		}
		extra, err := keys.LoadCertificateFiles(a.Config.PKCS11.OtherCertsFiles)
		if err != nil {
			_ = sig.Close()
			return nil, nil, nil, err
		}
		chain := certvalidator.BuildChain(sig.Certificate(), extra)
		return sig, chain, func() { _ = sig.Close() }, nil
	}

	cred, err := signing.Credential()
	if err != nil {
		return nil, nil, nil, err
	}
	sig, err := signers.NewPrivateKeySignature(cred.Key, signing.Digest)
	if err != nil {
		return nil, nil, nil, err
	}
	return sig, cred.Chain, func() {}, nil
}

func (a *App) tsaClient(url string) timestamps.TSAClient {
	switch {
	case url != "":
		ts := config.TimestampConfig{URL: url}
		if a.Config.Timestamp != nil {
			ts = *a.Config.Timestamp
			ts.URL = url
		}
		return ts.Client(a.Logger)
	case a.Config.Timestamp != nil:
		return a.Config.Timestamp.Client(a.Logger)
	default:
		return nil
	}
}

func (a *App) writeSigned(output string, doc *signers.BufferDocument) error {
	if err := os.WriteFile(output, doc.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	br := doc.ByteRange()
	a.success("Signed %s (byte range [%d %d %d %d])", output, br[0], br[1], br[2], br[3])
	return nil
}
