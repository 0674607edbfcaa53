// Package main generates a Certificate Authority (CA), the daemon certificate
// and application client certificates, writing them as PEM pairs into an
// output directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atinyakov/GophSSO/internal/certgen"
	"github.com/spf13/pflag"
)

type options struct {
	out    string
	caName string
	hosts  []string
	apps   []string
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("certgen", pflag.ContinueOnError)
	fs.StringVarP(&opts.out, "out", "o", "certs", "output directory")
	fs.StringVar(&opts.caName, "ca-name", "GophSSO CA", "common name of a newly generated CA")
	fs.StringSliceVar(&opts.hosts, "hosts", []string{"localhost", "127.0.0.1"}, "daemon host names and IP addresses")
	fs.StringSliceVar(&opts.apps, "app", nil, "application ids to issue client certificates for (repeatable)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// run writes ca, server and one pair per application into opts.out.
// An existing CA in the directory is reused.
func run(opts *options) error {
	caCert := filepath.Join(opts.out, "ca.crt")
	caKey := filepath.Join(opts.out, "ca.key")

	if _, err := os.Stat(caCert); os.IsNotExist(err) {
		certPEM, keyPEM, err := certgen.GenerateCA(opts.caName)
		if err != nil {
			return fmt.Errorf("generate ca: %w", err)
		}
		if err := certgen.WritePair(opts.out, "ca", certPEM, keyPEM); err != nil {
			return err
		}
	}

	ca, key, err := certgen.LoadCACredentials(caCert, caKey)
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := certgen.GenerateServerCertificate(opts.hosts, ca, key)
	if err != nil {
		return fmt.Errorf("generate server certificate: %w", err)
	}
	if err := certgen.WritePair(opts.out, "server", certPEM, keyPEM); err != nil {
		return err
	}

	for _, app := range opts.apps {
		certPEM, keyPEM, err := certgen.GenerateApplicationCertificate(app, ca, key)
		if err != nil {
			return fmt.Errorf("generate certificate for %s: %w", app, err)
		}
		if err := certgen.WritePair(opts.out, fileName(app), certPEM, keyPEM); err != nil {
			return err
		}
	}
	return nil
}

// fileName turns an application id into a safe file name.
func fileName(app string) string {
	out := []rune(app)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
	fmt.Println("Certificates generated into", opts.out)
}
