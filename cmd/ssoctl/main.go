// Package main is the command-line client of the single sign-on daemon.
//
//	ssoctl [flags] <command> [args]
//
// Commands: list, get <id>, add, delete <id>, verify <id>, data <id> <method>,
// set-data <id> <method> <key>=<value>..., refs <id>, status, set-key,
// register <appId>, version.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/GophSSO/internal/certgen"
	"github.com/atinyakov/GophSSO/internal/client"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/spf13/pflag"
)

var (
	version   string
	buildDate string
)

type options struct {
	baseURL    string
	certFile   string
	keyFile    string
	caFile     string
	appContext string
	outDir     string
	secrets    bool
	storeSec   bool
	typ        int
	timeout    time.Duration
}

func parseFlags(args []string) (*options, []string, error) {
	o := &options{}
	fs := pflag.NewFlagSet("ssoctl", pflag.ContinueOnError)
	fs.StringVarP(&o.baseURL, "url", "u", cmp.Or(os.Getenv("SSO_URL"), "https://localhost:8443"), "daemon base URL")
	fs.StringVar(&o.certFile, "cert", "client.crt", "path to client cert")
	fs.StringVar(&o.keyFile, "key", "client.key", "path to client key")
	fs.StringVar(&o.caFile, "ca", "certs/ca.crt", "path to CA cert")
	fs.StringVar(&o.appContext, "app-context", "", "application context sent with each request")
	fs.StringVarP(&o.outDir, "out", "o", ".", "directory for certificates written by register")
	fs.BoolVar(&o.secrets, "secrets", false, "get: request the password")
	fs.BoolVar(&o.storeSec, "store-secret", true, "add: persist the password")
	fs.IntVar(&o.typ, "type", -1, "list: only identities of this type")
	fs.DurationVar(&o.timeout, "timeout", client.DefaultTimeout, "request timeout")
	fs.SetInterspersed(true)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return o, fs.Args(), nil
}

// app runs one command. It is separated from main for tests.
type app struct {
	opts   *options
	api    *client.Client
	prompt *client.Prompter
	out    io.Writer
}

func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid identity id %q", s)
	}
	return uint32(id), nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("no command given, see --help")
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list":
		list, err := a.api.ListIdentities(ctx, models.IdentityType(a.opts.typ))
		if err != nil {
			return err
		}
		for _, ident := range list {
			fmt.Fprintf(a.out, "%d\t%s\t%s\n", ident.ID, ident.Caption, ident.Username)
		}
		return nil
	case "get":
		if err := need(args, 1, "get <id>"); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ident, err := a.api.Identity(ctx, id, a.opts.secrets)
		if err != nil {
			return err
		}
		return a.printJSON(ident)
	case "add":
		ident, err := a.prompt.Identity()
		if err != nil {
			return err
		}
		id, err := a.api.StoreIdentity(ctx, ident, a.opts.storeSec)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Identity %d stored\n", id)
		return nil
	case "delete":
		if err := need(args, 1, "delete <id>"); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := a.api.RemoveIdentity(ctx, id); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Identity deleted")
		return nil
	case "verify":
		if err := need(args, 1, "verify <id>"); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		user := a.prompt.Line("Username: ")
		password, err := a.prompt.Secret("Password: ")
		if err != nil {
			return err
		}
		ok, err := a.api.VerifyUser(ctx, id, user, password)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, map[bool]string{true: "valid", false: "invalid"}[ok])
		return nil
	case "data":
		if err := need(args, 2, "data <id> <method>"); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data, err := a.api.LoadData(ctx, id, args[1])
		if err != nil {
			return err
		}
		return a.printJSON(data)
	case "set-data":
		if err := need(args, 3, "set-data <id> <method> <key>=<value>..."); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		data := map[string]any{}
		for _, kv := range args[2:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid pair %q", kv)
			}
			if v == "" {
				data[k] = nil
			} else {
				data[k] = v
			}
		}
		return a.api.StoreData(ctx, id, args[1], data)
	case "refs":
		if err := need(args, 1, "refs <id>"); err != nil {
			return err
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		refs, err := a.api.References(ctx, id)
		if err != nil {
			return err
		}
		for _, r := range refs {
			fmt.Fprintln(a.out, r)
		}
		return nil
	case "status":
		st, err := a.api.StorageStatus(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(st)
	case "set-key":
		existing, err := a.prompt.Secret("Current key: ")
		if err != nil {
			return err
		}
		newKey, err := a.prompt.Secret("New key: ")
		if err != nil {
			return err
		}
		confirm, err := a.prompt.Secret("Repeat new key: ")
		if err != nil {
			return err
		}
		if newKey == "" || newKey != confirm {
			return errors.New("keys do not match")
		}
		if err := a.api.SetMasterKey(ctx, []byte(newKey), []byte(existing)); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Storage key replaced")
		return nil
	case "register":
		if err := need(args, 1, "register <appId>"); err != nil {
			return err
		}
		certPEM, keyPEM, err := a.api.RegisterApplication(ctx, args[0])
		if err != nil {
			return err
		}
		if err := certgen.WritePair(a.opts.outDir, "client", certPEM, keyPEM); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Certificate and key saved to %s\n", filepath.Join(a.opts.outDir, "client.{crt,key}"))
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func main() {
	opts, args, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}
	if len(args) > 0 && args[0] == "version" {
		fmt.Printf("GophSSO client\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
		return
	}

	hc, err := client.LoadClientCertificate(opts.certFile, opts.keyFile, opts.caFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ssoctl:", err)
		os.Exit(1)
	}
	hc.Timeout = opts.timeout
	api := client.New(opts.baseURL, hc)
	api.AppContext = opts.appContext

	a := &app{opts: opts, api: api, prompt: client.NewPrompter(os.Stdin, os.Stdout), out: os.Stdout}
	if err := a.run(context.Background(), args); err != nil {
		fmt.Fprintln(os.Stderr, "ssoctl:", err)
		os.Exit(1)
	}
}
