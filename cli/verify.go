package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/fetchers"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
	"github.com/georgepadayatti/gopdfsig/sign/signers"
	"github.com/georgepadayatti/gopdfsig/sign/validation"
	"github.com/georgepadayatti/gopdfsig/sign/validation/report"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	TrustFiles        []string
	Online            bool
	CertificateOption string
	VerifyRoot        bool
	Format            string
	ShowChain         bool
}

func newVerifyCommand(app *App) *cobra.Command {
	var opts VerifyOptions
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Validate every signature revision of a signed file",
		Long: `Walk the signatures of a file from the latest to the first. Each signature
must cover its revision and verify; every selected certificate of its chain
must be confirmed by a trust anchor, a CRL or an OCSP response embedded in the
signature, or by an online check with --online.`,
		Example: `  gopdfsig verify --trust root.pem signed.pdf
  gopdfsig verify --online --format json signed.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := *app.Config.Validation
			flags := cmd.Flags()
			if flags.Changed("certificate-option") {
				v.CertificateOption = opts.CertificateOption
			}
			if flags.Changed("verify-root") {
				v.VerifyRoot = opts.VerifyRoot
			}
			if flags.Changed("online") {
				v.Online = opts.Online
			}
			v.TrustAnchors = append(append([]string{}, v.TrustAnchors...), opts.TrustFiles...)
			if err := v.Validate(); err != nil {
				return err
			}
			certOpt, _ := v.Option()

			roots, err := v.RootStore()
			if err != nil {
				return err
			}
			walker := validation.NewLtvWalker(roots, app.Logger)
			walker.CertificateOption = certOpt
			walker.VerifyRootCertificate = v.VerifyRoot
			if v.Online {
				f, err := app.Config.Fetcher.Fetcher(app.Logger)
				if err != nil {
					return err
				}
				walker.Verifier = onlineChain(app, f, roots, v.CheckResponderAfterCRL)
			}
			return runVerify(cmd.Context(), app, walker, &opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&opts.TrustFiles, "trust", nil, "Trust anchor certificate files")
	f.BoolVar(&opts.Online, "online", false, "Fetch CRLs and OCSP responses when embedded data is missing")
	f.StringVar(&opts.CertificateOption, "certificate-option", "chain", "Certificates to confirm: signing or chain")
	f.BoolVar(&opts.VerifyRoot, "verify-root", false, "Reject root certificates without evidence")
	f.StringVar(&opts.Format, "format", "text", "Output format: text, markdown or json")
	f.BoolVar(&opts.ShowChain, "show-chain", false, "Print the signer chain of the latest signature")
	return cmd
}

// onlineChain verifies with OCSP first, then CRL, both fetched over HTTP.
func onlineChain(app *App, f *fetchers.Fetcher, roots *certvalidator.RootStore, checkResponderAfterCRL bool) certvalidator.Verifier {
	crlClient := fetchers.NewHTTPCRLClient(f)
	ocspVerifier := certvalidator.NewOCSPVerifier(nil, fetchers.NewHTTPOCSPClient(f), roots, app.Logger)
	ocspVerifier.CRLClient = crlClient
	ocspVerifier.CheckResponderValidityAfterCRL = checkResponderAfterCRL
	return certvalidator.NewChain(app.Logger,
		ocspVerifier,
		certvalidator.NewCRLVerifier(nil, crlClient, roots, app.Logger),
	)
}

func runVerify(ctx context.Context, app *App, walker *validation.LtvWalker, opts *VerifyOptions, input string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	latest, err := RevisionsFromBuffer(data)
	if err != nil {
		return err
	}

	results, walkErr := walker.Verify(ctx, latest)
	summary := report.NewSummary(results, walkErr)
	if err := report.NewReportFormatter().WriteTo(app.Out, summary, opts.Format); err != nil {
		return err
	}

	if opts.ShowChain {
		if c, err := cms.Parse(latest.Contents, latest.SubFilter); err == nil {
			app.header("\nSigner chain of %s", latest.Name)
			fmt.Fprint(app.Out, report.NewChainVisualizer().Visualize(c.SignCertificateChain()))
		}
	}

	if walkErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, walkErr)
	}
	return nil
}

// RevisionsFromBuffer exposes the signatures found in data as a chain of
// revisions and returns the latest. Revocation data embedded in each
// signature is offered as that revision's evidence.
func RevisionsFromBuffer(data []byte) (*validation.StaticRevision, error) {
	sigs, err := signers.FindSignatures(data)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, validation.ErrNoSignatures
	}

	var prior *validation.StaticRevision
	for i, sig := range sigs {
		signed, err := signers.CoveredBytes(data, sig.ByteRange)
		if err != nil {
			return nil, err
		}
		rev := &validation.StaticRevision{
			Name:          fmt.Sprintf("Signature%d", i+1),
			Contents:      sig.Contents,
			SubFilter:     sig.SubFilter,
			Signed:        signed,
			WholeRevision: sig.CoversRevision(),
			Prior:         prior,
		}
		if c, err := cms.Parse(sig.Contents, sig.SubFilter); err == nil {
			if len(c.OCSPs()) > 0 || len(c.CRLs()) > 0 {
				rev.DSS = &dss.Evidence{OCSPs: c.OCSPs(), CRLs: c.CRLs(), Certs: c.Certificates()}
			}
		}
		prior = rev
	}
	return prior, nil
}
