package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/fetchers"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
	"github.com/georgepadayatti/gopdfsig/sign/signers"
)

func newLtvCommand(app *App) *cobra.Command {
	var (
		output       string
		level        string
		certOption   string
		includeCerts bool
		online       bool
		crlFiles     []string
		ocspFiles    []string
	)
	cmd := &cobra.Command{
		Use:   "ltv <file>",
		Short: "Build the document security store for the signatures of a file",
		Long: `Gather OCSP responses, CRLs and certificates for every signature of a
signed file and print the resulting document security store with one VRI
entry per signature. CRL and OCSP files are attached to every signature;
--online fetches data from the distribution points and responders.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v := *app.Config.Validation
			flags := cmd.Flags()
			if flags.Changed("level") {
				v.LTVLevel = level
			}
			if flags.Changed("certificate-option") {
				v.CertificateOption = certOption
			}
			if flags.Changed("include-certs") {
				v.IncludeCertificates = includeCerts
			}
			if err := v.Validate(); err != nil {
				return err
			}
			certOpt, _ := v.Option()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			sigs, err := signers.FindSignatures(data)
			if err != nil {
				return err
			}
			if len(sigs) == 0 {
				return fmt.Errorf("%s has no signatures", args[0])
			}
			crls, err := readAll(crlFiles)
			if err != nil {
				return err
			}
			ocsps, err := readAll(ocspFiles)
			if err != nil {
				return err
			}

			var crlClient certvalidator.CRLClient
			var ocspClient certvalidator.OCSPClient
			if online {
				f, err := app.Config.Fetcher.Fetcher(app.Logger)
				if err != nil {
					return err
				}
				crlClient, ocspClient = fetchers.NewHTTPCRLClient(f), fetchers.NewHTTPOCSPClient(f)
			}

			doc := dss.NewMemoryDocument()
			writer := dss.NewLtvWriter(doc)
			writer.Logger = app.Logger
			for i, sig := range sigs {
				name := fmt.Sprintf("Signature%d", i+1)
				doc.AddSignature(name, sig.Contents, sig.SubFilter)
				if len(crls) > 0 || len(ocsps) > 0 {
					if err := writer.AddVerificationData(name, ocsps, crls, nil); err != nil {
						return err
					}
				}
				if !online {
					continue
				}
				added, err := writer.AddVerification(ctx, name, ocspClient, crlClient, certOpt, v.Level(), v.Inclusion())
				if err != nil {
					return err
				}
				if !added {
					app.warn("No validation data found for %s", name)
				}
			}
			if err := writer.Merge(); err != nil {
				return err
			}

			out := doc.DSSString() + "\n"
			if output == "" {
				fmt.Fprint(app.Out, out)
				return nil
			}
			if err := os.WriteFile(output, []byte(out), 0o644); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}
			app.success("Wrote DSS with %d objects to %s", doc.ObjectCount(), output)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&output, "out", "o", "", "Write the DSS to a file instead of stdout")
	f.StringVar(&level, "level", dss.LevelOCSPOptionalCRL.String(), "Revocation data: ocsp, crl, ocsp-crl or ocsp-optional-crl")
	f.StringVar(&certOption, "certificate-option", "chain", "Certificates to cover: signing or chain")
	f.BoolVar(&includeCerts, "include-certs", false, "Store the signer chain in the DSS")
	f.BoolVar(&online, "online", false, "Fetch CRLs and OCSP responses over HTTP")
	f.StringSliceVar(&crlFiles, "crl", nil, "DER CRL files to attach")
	f.StringSliceVar(&ocspFiles, "ocsp", nil, "DER OCSP response files to attach")
	return cmd
}
