package cmd

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/mitm"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the CA used to intercept HTTPS",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a CA and print it as base64 PKCS#12, or write it to --p12-out",
	RunE:  runCertGenerate,
}

var certExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the CA certificate as PEM so clients (and probes) can trust it",
	RunE:  runCertExport,
}

var (
	certPassphrase string
	certP12        string
	certP12Out     string
	certPEMOut     string
)

func init() {
	certGenerateCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "PKCS#12 passphrase")
	certGenerateCmd.Flags().StringVar(&certP12Out, "p12-out", "", "Write the PKCS#12 file here instead of printing base64")
	certGenerateCmd.Flags().StringVar(&certPEMOut, "pem-out", "", "Also write the PEM certificate here")

	certExportCmd.Flags().StringVar(&certP12, "p12", "", "PKCS#12 file path or base64 data (default from mitm.ca-p12 config)")
	certExportCmd.Flags().StringVar(&certPassphrase, "passphrase", "", "PKCS#12 passphrase (default from mitm.ca-passphrase config)")
	certExportCmd.Flags().StringVar(&certPEMOut, "pem-out", "", "Write the PEM certificate here instead of stdout")

	certCmd.AddCommand(certGenerateCmd)
	certCmd.AddCommand(certExportCmd)
	rootCmd.AddCommand(certCmd)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	ca, err := mitm.GenerateCA()
	if err != nil {
		return fmt.Errorf("mitm.GenerateCA: %w", err)
	}
	p12Base64, err := ca.EncodeP12(certPassphrase)
	if err != nil {
		return fmt.Errorf("ca.EncodeP12: %w", err)
	}

	if certP12Out != "" {
		data, err := base64.StdEncoding.DecodeString(p12Base64)
		if err != nil {
			return err
		}
		if err := os.WriteFile(certP12Out, data, 0600); err != nil {
			return fmt.Errorf("failed to write PKCS#12 file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "PKCS#12 written to %s, set mitm.ca-p12 to this path\n", certP12Out)
	} else {
		fmt.Println(p12Base64)
	}

	if certPEMOut != "" {
		if err := writePEM(certPEMOut, ca); err != nil {
			return err
		}
	}
	return nil
}

func runCertExport(cmd *cobra.Command, args []string) error {
	source, passphrase := certP12, certPassphrase
	if source == "" {
		source = viper.GetString("mitm.ca-p12")
	}
	if passphrase == "" {
		passphrase = viper.GetString("mitm.ca-passphrase")
	}
	if source == "" {
		return fmt.Errorf("--p12 is required")
	}

	ca, err := mitm.LoadCA(config.MitMConfig{CAP12: source, CAPassphrase: passphrase})
	if err != nil {
		return fmt.Errorf("mitm.LoadCA: %w", err)
	}
	if certPEMOut == "" {
		fmt.Print(string(ca.CertPEM()))
		return nil
	}
	return writePEM(certPEMOut, ca)
}

func writePEM(path string, ca *mitm.CA) error {
	if err := os.WriteFile(path, ca.CertPEM(), 0644); err != nil {
		return fmt.Errorf("failed to write PEM file: %w", err)
	}
	fmt.Fprintf(os.Stderr, "PEM certificate written to %s\n", path)
	return nil
}
