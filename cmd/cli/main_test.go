package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/auth"
	"github.com/and161185/hostel-outpass/internal/clock"
	"github.com/and161185/hostel-outpass/internal/credential"
	"github.com/and161185/hostel-outpass/internal/repository/memory"
	grpcserver "github.com/and161185/hostel-outpass/internal/server/grpc"
	"github.com/and161185/hostel-outpass/internal/service"
)

func withTmpConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return filepath.Join(dir, "outpass")
}

func Test_cfgDir_And_Paths(t *testing.T) {
	base := withTmpConfig(t)
	if got := cfgDir(); got != base {
		t.Fatalf("cfgDir=%q, want %q", got, base)
	}
	if !strings.HasPrefix(tokenPath(), base) || !strings.HasSuffix(tokenPath(), "token.json") {
		t.Fatalf("tokenPath unexpected: %s", tokenPath())
	}
}

func Test_token_SaveLoad(t *testing.T) {
	_ = withTmpConfig(t)

	if _, err := loadToken(); err == nil {
		t.Fatalf("expected error when token file missing")
	}
	tok, _ := auth.Sign([]byte("k"), "stu-1", auth.RoleStudent, time.Now(), time.Hour)
	if _, err := saveToken(tok); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
	tf, err := loadToken()
	if err != nil || tf.AccessToken != tok || tf.Subject != "stu-1" || tf.Role != auth.RoleStudent {
		t.Fatalf("loadToken: %+v %v", tf, err)
	}
	info, err := os.Stat(tokenPath())
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode: %v %v", info, err)
	}

	old, _ := auth.Sign([]byte("k"), "stu-1", auth.RoleStudent, time.Now().Add(-2*time.Hour), time.Hour)
	if _, err := saveToken(old); err != nil {
		t.Fatalf("saveToken expired: %v", err)
	}
	if _, err := loadToken(); err == nil {
		t.Fatalf("want error for expired token")
	}
}

func Test_inspectToken_Garbage(t *testing.T) {
	t.Parallel()

	tf := inspectToken("not-a-jwt")
	if tf.AccessToken != "not-a-jwt" || tf.Subject != "" || tf.ExpiresAt.IsZero() {
		t.Fatalf("unexpected: %+v", tf)
	}
}

func Test_readAll_File_And_Stdin(t *testing.T) {
	t.Parallel()

	tmp := filepath.Join(t.TempDir(), "f.txt")
	_ = os.WriteFile(tmp, []byte("hello"), 0o600)
	b, err := readAll(nil, tmp)
	if err != nil || string(b) != "hello" {
		t.Fatalf("readAll(file): %q %v", b, err)
	}

	b, err = readAll(strings.NewReader("from-stdin"), "-")
	if err != nil || string(b) != "from-stdin" {
		t.Fatalf("readAll(stdin): %q %v", b, err)
	}
}

func Test_printJSON_WritesPretty(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printJSON(&buf, map[string]any{"a": 1})
	var m map[string]any
	if json.Unmarshal(buf.Bytes(), &m) != nil || m["a"] != float64(1) {
		t.Fatalf("printJSON produced invalid json: %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("\n  ")) {
		t.Fatalf("printJSON should indent")
	}
}

func Test_bearerCreds_Metadata(t *testing.T) {
	t.Parallel()

	b := bearerCreds{token: "T", secure: true}
	md, err := b.GetRequestMetadata(context.Background())
	if err != nil {
		t.Fatalf("GetRequestMetadata: %v", err)
	}
	if md["authorization"] != "Bearer T" {
		t.Fatalf("auth header mismatch: %v", md)
	}
	if !b.RequireTransportSecurity() {
		t.Fatalf("bearerCreds must require TLS unless plaintext")
	}
	if (bearerCreds{token: "T"}).RequireTransportSecurity() {
		t.Fatalf("plaintext creds must not require TLS")
	}
}

func Test_loadTLS_Variants(t *testing.T) {
	t.Parallel()

	if creds, err := loadTLS("", true); err != nil || creds == nil {
		t.Fatalf("insecure: %v %v", creds, err)
	}
	if creds, err := loadTLS("", false); err != nil || creds == nil {
		t.Fatalf("default tls: %v %v", creds, err)
	}
	tmp := filepath.Join(t.TempDir(), "bad.pem")
	_ = os.WriteFile(tmp, []byte("not pem"), 0o600)
	if creds, err := loadTLS(tmp, false); err == nil || creds != nil {
		t.Fatalf("bad CA should error, got creds=%v err=%v", creds, err)
	}
}

func Test_parseWhen(t *testing.T) {
	t.Parallel()

	got, err := parseWhen("2025-09-15T18:00:00Z")
	if err != nil || !got.Equal(time.Date(2025, 9, 15, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: %v %v", got, err)
	}
	got, err = parseWhen("2025-09-15 18:30")
	if err != nil || got.Hour() != 18 || got.Minute() != 30 || got.Location() != time.Local {
		t.Fatalf("local: %v %v", got, err)
	}
	for _, bad := range []string{"", "tomorrow", "15/09/2025"} {
		if _, err := parseWhen(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

// startServer serves the full stack over bufconn and returns a cli wired to it.
func startServer(t *testing.T, key []byte, out io.Writer) *cli {
	t.Helper()
	log := zaptest.NewLogger(t)
	iss, err := credential.NewIssuer(bytes.Repeat([]byte{9}, credential.SecretLen), nil)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	clk := clock.Fake(time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC))
	svc := service.NewPassService(memory.New(), iss, clk, nil, log, service.Options{})

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcserver.RecoverUnary(log), grpcserver.AuthUnary(auth.NewVerifier(key)), grpcserver.LoggingUnary(log),
	))
	grpcserver.Register(gs, grpcserver.New(svc))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); _ = lis.Close() })

	return &cli{
		in: strings.NewReader(""), out: out, errOut: io.Discard, now: time.Now,
		dial: func(ctx context.Context, _ globals, bearer string) (*grpc.ClientConn, error) {
			//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
			return grpc.DialContext(ctx, "bufnet",
				grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
				grpc.WithPerRPCCredentials(bearerCreds{token: bearer}),
			)
		},
	}
}

func Test_run_Flow(t *testing.T) {
	_ = withTmpConfig(t)
	key := []byte("cli-key")
	var out bytes.Buffer
	c := startServer(t, key, &out)
	ctx := context.Background()

	step := func(args ...string) []byte {
		t.Helper()
		out.Reset()
		if err := c.run(ctx, args); err != nil {
			t.Fatalf("op %s: %v", strings.Join(args, " "), err)
		}
		return append([]byte(nil), out.Bytes()...)
	}

	step("token", "--sub", "stu-9", "--role", "student", "--key", string(key))
	var sub api.PassResponse
	if err := json.Unmarshal(step("submit", "--depart", "2025-09-15T18:00:00Z", "--return", "2025-09-15T20:00:00Z",
		"--reason", "library"), &sub); err != nil || sub.Pass.Status != "pending" {
		t.Fatalf("submit: %v %s", err, out.String())
	}

	step("token", "--sub", "warden", "--role", "admin", "--key", string(key))
	var ap api.PassResponse
	if err := json.Unmarshal(step("approve", "--id", sub.Pass.ID), &ap); err != nil || ap.Pass.Status != "approved" {
		t.Fatalf("approve: %v %s", err, out.String())
	}

	step("token", "--sub", "stu-9", "--role", "student", "--key", string(key))
	var cur api.PassListResponse
	if err := json.Unmarshal(step("current"), &cur); err != nil || len(cur.Passes) != 1 {
		t.Fatalf("current: %v %s", err, out.String())
	}

	step("token", "--sub", "gate-1", "--role", "gate", "--key", string(key))
	c.in = strings.NewReader(cur.Passes[0].Credential.Payload + "\n")
	var scanned api.PassResponse
	if err := json.Unmarshal(step("scan-out", "--file", "-"), &scanned); err != nil || scanned.Pass.Status != "departed" {
		t.Fatalf("scan-out: %v %s", err, out.String())
	}

	var who map[string]any
	if err := json.Unmarshal(step("whoami"), &who); err != nil || who["role"] != "gate" {
		t.Fatalf("whoami: %v %s", err, out.String())
	}
}

func Test_run_Usage(t *testing.T) {
	_ = withTmpConfig(t)
	c := &cli{in: strings.NewReader(""), out: io.Discard, errOut: io.Discard, dial: dial, now: time.Now}

	if err := c.run(context.Background(), nil); !errors.Is(err, errUsage) {
		t.Fatalf("no command: %v", err)
	}
	if err := c.run(context.Background(), []string{"fly"}); !errors.Is(err, errUsage) {
		t.Fatalf("unknown command: %v", err)
	}
	if err := c.run(context.Background(), []string{"token", "--sub", "x", "--role", "janitor", "--key", "k"}); err == nil {
		t.Fatalf("bad role must fail")
	}
	if err := c.run(context.Background(), []string{"current"}); err == nil {
		t.Fatalf("missing token must fail")
	}
}
