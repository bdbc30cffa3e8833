// Command op is a CLI client for the outpass service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/and161185/hostel-outpass/internal/auth"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	Subject     string    `json:"subject,omitempty"`
	Role        auth.Role `json:"role,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "outpass")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "outpass")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string) (tokenFile, error) {
	tf := inspectToken(tok)
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return tf, err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return tf, err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return tf, enc.Encode(tf)
}

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errors.New("no valid token (run op login or op token)")
	}
	return tf, nil
}

// inspectToken reads subject, role and expiry without verifying the
// signature; the server does that.
func inspectToken(tok string) tokenFile {
	tf := tokenFile{AccessToken: tok, ExpiresAt: time.Now().Add(15 * time.Minute)}
	var claims auth.Claims
	_, _, err := jwt.NewParser().ParseUnverified(tok, &claims)
	if err != nil {
		return tf
	}
	tf.Subject, tf.Role = claims.Subject, claims.Role
	if claims.ExpiresAt != nil {
		tf.ExpiresAt = claims.ExpiresAt.Time
	}
	return tf
}

// ---- grpc dial ----

type globals struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecure bool) (credentials.TransportCredentials, error) {
	if insecure {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(ctx context.Context, g globals, bearer string) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if g.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds, err := loadTLS(g.caPath, g.insecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !g.plaintext}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	return grpc.DialContext(ctx, g.addr, opts...)
}

// ---- utils ----

func readAll(in io.Reader, p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(in)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprint(w, `op CLI
Usage:
  op [--addr HOST:PORT] [--cacert file | --insecure | --plaintext] <cmd> [args]

Session:
  version
  token      --sub <id> --role student|admin|gate [--key K] [--ttl 12h]   (dev; saves token)
  login      --token <jwt>                                            (saves token)
  whoami

Student:
  submit     --depart <time> --return <time> --reason <text> [--name --phone --parent-phone]
  can-submit
  current
  history
  regenerate --id <uuid>

Administrator:
  pending
  approve    --id <uuid>
  reject     --id <uuid>

Gate:
  scan-out   --payload <credential> | --file <path|->
  scan-in    --payload <credential> | --file <path|->
  verify     --payload <credential> | --file <path|->
  active
  stats      [--day YYYY-MM-DD]

Any role:
  show       --id <uuid>
  events     --id <uuid>

Times are RFC 3339 or "YYYY-MM-DD HH:MM" in local time.
`)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := &cli{in: os.Stdin, out: os.Stdout, errOut: os.Stderr, dial: dial, now: time.Now}
	if err := c.run(ctx, os.Args[1:]); err != nil {
		cancel()
		fail(err)
	}
}

func fail(err error) {
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
