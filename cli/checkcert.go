package cli

import (
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/fetchers"
	"github.com/georgepadayatti/gopdfsig/keys"
)

func newCheckCertCommand(app *App) *cobra.Command {
	var (
		trustFiles []string
		crlFiles   []string
		ocspFiles  []string
		online     bool
		at         string
	)
	cmd := &cobra.Command{
		Use:   "check-cert <cert> [issuer]",
		Short: "Run the trust chain on one certificate",
		Long: `Check a certificate against trust anchors, CRL and OCSP files and, with
--online, its distribution points and responders. Without an issuer file the
issuer is fetched from the certificate's AIA when --online is set.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cert, err := keys.LoadCertificate(args[0])
			if err != nil {
				return err
			}
			var issuer *x509.Certificate
			if len(args) == 2 {
				if issuer, err = keys.LoadCertificate(args[1]); err != nil {
					return err
				}
			}

			signDate, err := parseTime(at)
			if err != nil {
				return err
			}
			anchors, err := keys.LoadCertificateFiles(append(append([]string{}, app.Config.Validation.TrustAnchors...), trustFiles...))
			if err != nil {
				return err
			}
			roots := certvalidator.NewRootStore(anchors...)
			crls, err := readAll(crlFiles)
			if err != nil {
				return err
			}
			ocsps, err := readAll(ocspFiles)
			if err != nil {
				return err
			}

			crlVerifier := certvalidator.NewCRLVerifier(crls, nil, roots, app.Logger)
			ocspVerifier := certvalidator.NewOCSPVerifier(ocsps, nil, roots, app.Logger)
			ocspVerifier.CheckResponderValidityAfterCRL = app.Config.Validation.CheckResponderAfterCRL
			if online {
				f, err := app.Config.Fetcher.Fetcher(app.Logger)
				if err != nil {
					return err
				}
				crlVerifier.Client = fetchers.NewHTTPCRLClient(f)
				ocspVerifier.Client = fetchers.NewHTTPOCSPClient(f)
				ocspVerifier.CRLClient = crlVerifier.Client
				if issuer == nil {
					issuers, err := fetchers.NewHTTPCertClient(f).FetchIssuers(ctx, cert)
					if err != nil {
						app.warn("Issuer not fetched: %v", err)
					} else if len(issuers) > 0 {
						issuer = issuers[0]
					}
				}
			}

			if issuer == nil && !certvalidator.IsSelfSigned(cert) {
				issuer, _ = roots.Find(func(anchor *x509.Certificate) bool { return certvalidator.SignedBy(cert, anchor) })
			}

			chain := certvalidator.NewChain(app.Logger,
				certvalidator.NewRootVerifier(roots), crlVerifier, ocspVerifier)
			evidence, err := chain.Verify(ctx, cert, issuer, signDate)
			if err != nil {
				app.failure("INVALID: %v", err)
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if len(evidence) == 0 {
				app.failure("INSUFFICIENT: no verifier confirmed %s", certvalidator.Subject(cert))
				return fmt.Errorf("%w: no evidence for %s", ErrInvalid, certvalidator.Subject(cert))
			}
			app.success("VALID: %s", certvalidator.Subject(cert))
			for _, e := range evidence {
				fmt.Fprintf(app.Out, "  - %s: %s\n", e.Verifier, e.Message)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&trustFiles, "trust", nil, "Trust anchor certificate files")
	f.StringSliceVar(&crlFiles, "crl", nil, "DER CRL files")
	f.StringSliceVar(&ocspFiles, "ocsp", nil, "DER OCSP response files")
	f.BoolVar(&online, "online", false, "Fetch revocation data and the issuer over HTTP")
	f.StringVar(&at, "at", "", "Validation time (RFC 3339), now by default")
	return cmd
}

func readAll(files []string) ([][]byte, error) {
	var out [][]byte
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at time: %w", err)
	}
	return t, nil
}
